package risk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ehr/clinwatch/internal/domain/clinical"
	"github.com/ehr/clinwatch/internal/platform/apperror"
)

func TestHTTPScorer_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var snap clinical.Snapshot
		if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
			t.Errorf("decode snapshot: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"score": 81.5, "priority": "CRITICAL", "alerts": [{"code":"x","severity":"high","message":"m"}]}`))
	}))
	defer srv.Close()

	res, err := NewHTTPScorer(srv.URL).Score(context.Background(),
		snapshotWith(map[string]float64{clinical.CodeEGFR: 12}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Priority != PriorityCritical || res.Score != 81.5 || len(res.Alerts) != 1 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestHTTPScorer_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusServiceUnavailable, `{}`},
		{"bad json", http.StatusOK, `not json`},
		{"bad priority", http.StatusOK, `{"score": 1, "priority": "SEVERE"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPScorer(srv.URL).Score(context.Background(), snapshotWith(nil))
			if !apperror.IsUpstreamScoring(err) {
				t.Errorf("expected upstream scoring error, got %v", err)
			}
		})
	}
}

func TestHTTPScorer_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewHTTPScorer(url).Score(context.Background(), snapshotWith(nil))
	if !apperror.IsUpstreamScoring(err) {
		t.Errorf("expected upstream scoring error, got %v", err)
	}
	if !apperror.Retryable(err) {
		t.Error("scoring outages must be retryable")
	}
}
