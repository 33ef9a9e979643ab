package models

import "time"

// ConnectionStatus is the outcome of a C-ECHO against the configured peer.
type ConnectionStatus struct {
	IsConnected  bool      `json:"is_connected"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	CalledAET    string    `json:"called_ae_title"`
	LastChecked  time.Time `json:"last_checked"`
	ResponseTime int64     `json:"response_time_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Cached       bool      `json:"cached"`
}

// SendStatus is the outcome of the most recent scheduled C-STORE.
type SendStatus struct {
	FilePath  string    `json:"file_path"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Succeeded bool      `json:"succeeded"`
	Skipped   bool      `json:"skipped,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	SentAt    time.Time `json:"sent_at"`
	Duration  int64     `json:"duration_ms"`
}
