//go:build unit

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/agsys-iot/leader-core/internal/leader"
	"github.com/agsys-iot/leader-core/pkg/radio"
	"github.com/agsys-iot/leader-core/pkg/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	tr := radio.NewLoopbackTransport()
	st, err := store.Open(filepath.Join(t.TempDir(), "agsys.json"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	l := leader.NewForTest(leader.Config{}, tr, st)
	l.Start()
	t.Cleanup(l.Stop)
	return New(l, nil)
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleListDevicesEmpty(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	s.Handler().ServeHTTP(rec, req)

	var body []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body) != 0 {
		t.Fatalf("expected empty device list, got %v", body)
	}
}

func TestHandleOtaStartMissingFirmware404(t *testing.T) {
	s := newTestServer(t)
	reqBody, _ := json.Marshal(map[string]any{
		"firmware_path": "/nonexistent/firmware.bin",
		"version":       [3]int{1, 0, 0},
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/ota/start", bytes.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404, body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleOtaStartMissingFieldBadRequest(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/ota/start", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleOtaStartThenAlreadyActiveConflict(t *testing.T) {
	s := newTestServer(t)
	firmwarePath := filepath.Join(t.TempDir(), "firmware.bin")
	if err := os.WriteFile(firmwarePath, make([]byte, 64), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	body, _ := json.Marshal(map[string]any{
		"firmware_path": firmwarePath,
		"version":       [3]int{1, 0, 0},
	})

	rec1 := httptest.NewRecorder()
	req1 := httptest.NewRequest(http.MethodPost, "/api/ota/start", bytes.NewReader(body))
	req1.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusOK {
		t.Fatalf("first start status = %d, want 200, body=%s", rec1.Code, rec1.Body.String())
	}

	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/api/ota/start", bytes.NewReader(body))
	req2.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusConflict {
		t.Fatalf("second start status = %d, want 409", rec2.Code)
	}
}

func TestHandleOtaProgressWhenIdle(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/ota/progress", nil)
	s.Handler().ServeHTTP(rec, req)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if active, _ := body["active"].(bool); active {
		t.Error("expected active=false with no OTA campaign running")
	}
}
