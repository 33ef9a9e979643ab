package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/otcheredev/pacslink/internal/models"
)

func TestHealth(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	os.WriteFile(file, []byte("x"), 0o644)

	failing := map[string]Check{"database": func(context.Context) error { return errors.New("down") }}

	tests := []struct {
		name        string
		root        string
		checks      map[string]Check
		wantCode    int
		wantStorage string
	}{
		{"healthy", t.TempDir(), nil, http.StatusOK, "healthy"},
		{"root not created yet", filepath.Join(t.TempDir(), "missing"), nil, http.StatusOK, "empty"},
		{"root is a file", file, nil, http.StatusServiceUnavailable, "unhealthy"},
		{"database down", t.TempDir(), failing, http.StatusServiceUnavailable, "healthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.root, tt.checks)
			rec := httptest.NewRecorder()
			h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			var body healthResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body.Services["storage"] != tt.wantStorage {
				t.Errorf("storage = %q, want %q", body.Services["storage"], tt.wantStorage)
			}

			rec = httptest.NewRecorder()
			h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
			if rec.Code != tt.wantCode {
				t.Errorf("ready status = %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}
}

type fakeAudits struct {
	lastLimit int
	by        string
}

func (f *fakeAudits) ListRecent(ctx context.Context, limit, offset int) ([]models.AuditLog, error) {
	f.lastLimit, f.by = limit, "recent"
	return nil, nil
}

func (f *fakeAudits) GetByAssociation(ctx context.Context, id string) ([]models.AuditLog, error) {
	f.by = "association"
	return []models.AuditLog{{AssociationID: id, Action: "c-echo"}}, nil
}

func (f *fakeAudits) GetBySOPInstance(ctx context.Context, uid string) ([]models.AuditLog, error) {
	f.by = "sop"
	return []models.AuditLog{{SOPInstanceUID: uid, Action: "c-store"}}, nil
}

func TestAuditList(t *testing.T) {
	tests := []struct {
		query     string
		wantBy    string
		wantLimit int
		wantLen   int
	}{
		{"", "recent", 100, 0},
		{"?limit=5", "recent", 5, 0},
		{"?limit=99999", "recent", 1000, 0},
		{"?association_id=abc", "association", 0, 1},
		{"?sop_instance_uid=9.9.9", "sop", 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			audits := &fakeAudits{}
			rec := httptest.NewRecorder()
			NewAuditHandler(audits).List(rec, httptest.NewRequest(http.MethodGet, "/modality/audit"+tt.query, nil))

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			if audits.by != tt.wantBy || audits.lastLimit != tt.wantLimit {
				t.Errorf("queried %s limit %d, want %s limit %d", audits.by, audits.lastLimit, tt.wantBy, tt.wantLimit)
			}
			var got []models.AuditLog
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatal(err)
			}
			if got == nil || len(got) != tt.wantLen {
				t.Errorf("entries = %v, want %d", got, tt.wantLen)
			}
		})
	}
}
