package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	Server   ServerConfig
	DICOM    DICOMConfig
	Storage  StorageConfig
	Sender   SenderConfig
	Database DatabaseConfig
	Cache    CacheConfig
	Redis    RedisConfig
	Log      LogConfig
	Metrics  MetricsConfig
	CORS     CORSConfig
}

// ServerConfig is the HTTP listener.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DICOMConfig is the SCP listener and its negotiation policy.
type DICOMConfig struct {
	AETitle      string
	Host         string
	Port         int
	MaxPDULength int
	// MaxMessageLength caps one reassembled command or data set in bytes.
	MaxMessageLength int
	ReadTimeout      time.Duration
	WriteTimeout time.Duration
	// TransferSyntaxes replaces the default storage registry when set.
	TransferSyntaxes []string
	TLSEnabled       bool
	TLSCertFile      string
	TLSKeyFile       string
}

type StorageConfig struct {
	Root string
}

// SenderConfig drives the periodic C-STORE of a sample instance.
type SenderConfig struct {
	Enabled       bool
	Interval      time.Duration
	FilePath      string
	Host          string
	Port          int
	UseTLS        bool
	CallingAET    string
	CalledAET     string
	Timeout       time.Duration
	MaxOperations int
}

type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	LogLevel string
}

type CacheConfig struct {
	Enabled bool
	Type    string // memory, redis
	TTL     time.Duration
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type LogConfig struct {
	Level  string
	Format string // json, console
}

type MetricsConfig struct {
	Enabled bool
}

type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	root := getEnv("STORAGE_ROOT", "./storage")

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
		},
		DICOM: DICOMConfig{
			AETitle:          getEnv("DICOM_AE_TITLE", "AnySCP"),
			Host:             getEnv("DICOM_HOST", "0.0.0.0"),
			Port:             getEnvInt("DICOM_PORT", 104),
			MaxPDULength:     getEnvInt("DICOM_MAX_PDU_LENGTH", 16384),
			MaxMessageLength: getEnvInt("DICOM_MAX_MESSAGE_LENGTH", 512<<20),
			ReadTimeout:      getEnvDuration("DICOM_READ_TIMEOUT", 5*time.Minute),
			WriteTimeout:     getEnvDuration("DICOM_WRITE_TIMEOUT", 30*time.Second),
			TransferSyntaxes: getEnvList("DICOM_TRANSFER_SYNTAXES", nil),
			TLSEnabled:       getEnvBool("DICOM_TLS_ENABLED", false),
			TLSCertFile:      getEnv("DICOM_TLS_CERT_FILE", ""),
			TLSKeyFile:       getEnv("DICOM_TLS_KEY_FILE", ""),
		},
		Storage: StorageConfig{
			Root: root,
		},
		Sender: SenderConfig{
			Enabled:       getEnvBool("SENDER_ENABLED", true),
			Interval:      getEnvDuration("SENDER_INTERVAL", 30*time.Second),
			FilePath:      getEnv("SENDER_FILE", "./dicom_examples/image-000001.dcm"),
			Host:          getEnv("SENDER_HOST", "127.0.0.1"),
			Port:          getEnvInt("SENDER_PORT", 104),
			UseTLS:        getEnvBool("SENDER_USE_TLS", false),
			CallingAET:    getEnv("SENDER_CALLING_AE", "MODALITY_SCU"),
			CalledAET:     getEnv("SENDER_CALLED_AE", "AnySCP"),
			Timeout:       getEnvDuration("SENDER_TIMEOUT", 30*time.Second),
			MaxOperations: getEnvInt("SENDER_MAX_OPERATIONS", 1),
		},
		Database: DatabaseConfig{
			Enabled:  getEnvBool("DB_ENABLED", false),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "pacslink"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
			LogLevel: getEnv("DB_LOG_LEVEL", "warn"),
		},
		Cache: CacheConfig{
			Enabled: getEnvBool("CACHE_ENABLED", true),
			Type:    getEnv("CACHE_TYPE", "memory"),
			TTL:     getEnvDuration("CACHE_TTL", 30*time.Second),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
			AllowedHeaders: getEnvList("CORS_ALLOWED_HEADERS", []string{"Accept", "Content-Type", "X-Request-ID"}),
		},
	}

	return cfg, nil
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	if err := validPort("SERVER_PORT", c.Server.Port); err != nil {
		return err
	}
	if err := validPort("DICOM_PORT", c.DICOM.Port); err != nil {
		return err
	}
	if err := validAETitle("DICOM_AE_TITLE", c.DICOM.AETitle); err != nil {
		return err
	}
	if c.DICOM.MaxPDULength < 1024 {
		return fmt.Errorf("DICOM_MAX_PDU_LENGTH must be at least 1024, got %d", c.DICOM.MaxPDULength)
	}
	if c.DICOM.MaxMessageLength <= 0 {
		return fmt.Errorf("DICOM_MAX_MESSAGE_LENGTH must be positive, got %d", c.DICOM.MaxMessageLength)
	}
	if c.DICOM.TLSEnabled && (c.DICOM.TLSCertFile == "" || c.DICOM.TLSKeyFile == "") {
		return errors.New("DICOM_TLS_CERT_FILE and DICOM_TLS_KEY_FILE are required when DICOM_TLS_ENABLED is set")
	}
	if strings.TrimSpace(c.Storage.Root) == "" {
		return errors.New("STORAGE_ROOT must not be empty")
	}

	if c.Sender.Enabled {
		if c.Sender.Interval <= 0 {
			return fmt.Errorf("SENDER_INTERVAL must be positive, got %s", c.Sender.Interval)
		}
		if within(c.Storage.Root, c.Sender.FilePath) {
			return fmt.Errorf("SENDER_FILE must be outside STORAGE_ROOT, got %q", c.Sender.FilePath)
		}
		if err := validPort("SENDER_PORT", c.Sender.Port); err != nil {
			return err
		}
		if err := validAETitle("SENDER_CALLING_AE", c.Sender.CallingAET); err != nil {
			return err
		}
		if err := validAETitle("SENDER_CALLED_AE", c.Sender.CalledAET); err != nil {
			return err
		}
	}

	switch c.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("CACHE_TYPE must be memory or redis, got %q", c.Cache.Type)
	}

	return nil
}

// ServerAddr is the HTTP listen address.
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// DICOMAddr is the SCP listen address.
func (c *Config) DICOMAddr() string {
	return fmt.Sprintf("%s:%d", c.DICOM.Host, c.DICOM.Port)
}

// within reports whether path lies inside dir. Every directory under the
// storage root is listed as a study.
func within(dir, path string) bool {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, absPath)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func validPort(key string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", key, port)
	}
	return nil
}

func validAETitle(key, title string) error {
	t := strings.TrimSpace(title)
	if t == "" {
		return fmt.Errorf("%s must not be empty", key)
	}
	if len(t) > 16 {
		return fmt.Errorf("%s must be at most 16 characters, got %q", key, t)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

// getEnvDuration accepts Go durations ("30s") or plain seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
