package hostaddr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRefreshIncludesPublicIP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ip":"198.51.100.42"}`))
	}))
	defer server.Close()

	p := NewProvider(server.URL, time.Hour)
	if err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	snapshot := p.Snapshot()
	if _, ok := snapshot["198.51.100.42"]; !ok {
		t.Errorf("expected public IP in snapshot, got %v", snapshot)
	}
}

func TestRefreshSurvivesLookupFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := NewProvider(server.URL, time.Hour)

	// Interface addresses normally keep the set non-empty even when the
	// lookup fails; either outcome must leave the provider usable.
	err := p.Refresh(context.Background())
	if err != nil && len(p.Snapshot()) != 0 {
		t.Errorf("Refresh() returned error %v but snapshot is non-empty", err)
	}
}

func TestRefreshRejectsMalformedLookup(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "198.51.100.42"},
		{"missing field", `{"address":"198.51.100.42"}`},
		{"invalid address", `{"ip":"not-an-ip"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			p := NewProvider(server.URL, time.Hour)
			_, err := p.fetchPublicIP(context.Background())
			if err == nil {
				t.Error("expected error for malformed lookup response")
			}
		})
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ip":"198.51.100.42"}`))
	}))
	defer server.Close()

	p := NewProvider(server.URL, time.Hour)
	if err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	snapshot := p.Snapshot()
	delete(snapshot, "198.51.100.42")

	if _, ok := p.Snapshot()["198.51.100.42"]; !ok {
		t.Error("mutating a snapshot must not affect the provider")
	}
}
