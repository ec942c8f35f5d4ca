package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/camerpulse/pulsepipe/internal/models"
)

// mockTB records failures instead of failing the enclosing test.
type mockTB struct {
	testing.TB
	failed bool
}

func (m *mockTB) Helper()                                   {}
func (m *mockTB) Errorf(format string, args ...interface{}) { m.failed = true }

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		expected   int
		actual     int
		shouldFail bool
	}{
		{"matching status codes", http.StatusOK, http.StatusOK, false},
		{"different status codes", http.StatusOK, http.StatusNotFound, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockTB{TB: t}
			rr := httptest.NewRecorder()
			rr.WriteHeader(tt.actual)
			AssertHTTPStatus(mock, tt.expected, rr, "test context")
			if mock.failed != tt.shouldFail {
				t.Errorf("expected failed=%v, got %v", tt.shouldFail, mock.failed)
			}
		})
	}
}

func TestDoJSONAndDecode(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		w.Write([]byte(`{"success":true,"path":"` + r.URL.Path + `"}`))
	})
	rr := DoJSON(t, handler, http.MethodPost, "/streams/ingest", MustMarshalJSON(t, map[string]int{"batch_size": 2}))
	AssertHTTPStatus(t, http.StatusOK, rr, "DoJSON")
	body := DecodeJSON(t, rr)
	if body["success"] != true || body["path"] != "/streams/ingest" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestNewSQLiteStore(t *testing.T) {
	s := NewSQLiteStore(t)
	ctx := context.Background()
	if err := s.SaveUser(ctx, models.User{ID: "u1", Email: "jo@example.com"}); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}
	u, err := s.GetUser(ctx, "u1")
	if err != nil || u == nil || u.Email != "jo@example.com" {
		t.Errorf("unexpected user %+v, err %v", u, err)
	}
}
