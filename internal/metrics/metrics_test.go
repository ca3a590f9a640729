// Package metrics tests check collection and the HTTP endpoint.
package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestCollectorCounts records observations under the expected labels.
func TestCollectorCounts(t *testing.T) {
	c := NewCollector()
	c.SessionOpened()
	c.SessionOpened()
	c.SessionClosed()
	c.AuthFailed("password")
	c.UploadRecorded("reloaded")
	c.UploadRecorded("reloaded")
	c.ReloadObserved("ok", 20*time.Millisecond)

	if v := testutil.ToFloat64(c.activeSessions); v != 1 {
		t.Fatalf("active sessions = %v", v)
	}
	if v := testutil.ToFloat64(c.authFailures.WithLabelValues("password")); v != 1 {
		t.Fatalf("auth failures = %v", v)
	}
	if v := testutil.ToFloat64(c.uploads.WithLabelValues("reloaded")); v != 2 {
		t.Fatalf("uploads = %v", v)
	}
	if v := testutil.ToFloat64(c.reloads.WithLabelValues("ok")); v != 1 {
		t.Fatalf("reloads = %v", v)
	}
}

// TestNilCollector ignores observations.
func TestNilCollector(t *testing.T) {
	var c *Collector
	c.SessionOpened()
	c.AuthFailed("certificate")
	c.UploadCommitted(10)
	c.ReloadObserved("failed", time.Second)
}

// TestServerExposesMetrics scrapes the endpoint and shuts it down.
func TestServerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.UploadRecorded("stored")
	s, err := NewServer(c, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), `liveupdater_uploads_total{outcome="stored"} 1`) {
		t.Fatalf("metric missing from scrape:\n%s", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}
