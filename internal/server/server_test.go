package server

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	logx "driverelay/pkg/logx"
)

func TestServesWebhookAndHealth(t *testing.T) {
	webhook := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "hook:"+r.Method)
	})
	s := New(Config{Addr: "127.0.0.1:0", WebhookPath: "notify"}, webhook, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	select {
	case <-s.Ready():
	case <-time.After(5 * time.Second):
		t.Fatalf("server not ready")
	}
	base := "http://" + s.Addr()

	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	if code, body := get("/healthz"); code != http.StatusOK || body != "ok" {
		t.Fatalf("healthz: %d %q", code, body)
	}
	if code, body := get("/notify"); code != http.StatusOK || body != "hook:GET" {
		t.Fatalf("webhook: %d %q", code, body)
	}
	if code, _ := get("/elsewhere"); code != http.StatusNotFound {
		t.Fatalf("unknown path: %d", code)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	if s.Addr() != "" {
		t.Fatalf("listener still recorded after stop")
	}
	if _, err := http.Get(base + "/healthz"); err == nil {
		t.Fatalf("server still answering after stop")
	}
}

func TestNeedsRestart(t *testing.T) {
	t.Parallel()

	a := Config{Addr: ":3000", WebhookPath: "/webhook", WriteTimeout: time.Minute}
	if needsRestart(a, Config{Addr: ":3000", WebhookPath: "webhook", WriteTimeout: time.Minute}) {
		t.Fatalf("equivalent config should not restart")
	}
	if !needsRestart(a, Config{Addr: ":3001", WebhookPath: "/webhook", WriteTimeout: time.Minute}) {
		t.Fatalf("addr change should restart")
	}
	if !needsRestart(a, Config{Addr: ":3000", WebhookPath: "/webhook"}) {
		t.Fatalf("timeout change should restart")
	}
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]string{"": "/webhook", "hook": "/hook", " /x ": "/x"} {
		if got := normalizePath(in); got != want {
			t.Fatalf("normalizePath(%q)=%q want %q", in, got, want)
		}
	}
}

