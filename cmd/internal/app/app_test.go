package app

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"relay/cmd/internal/linkapi"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		addr string
		want string
	}{
		{addr: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{addr: "[::]:9000", want: "http://127.0.0.1:9000"},
		{addr: "10.1.2.3:80", want: "http://10.1.2.3:80"},
		{addr: "[::1]:8080", want: "http://[::1]:8080"},
	}
	for _, tc := range cases {
		addr, err := net.ResolveTCPAddr("tcp", tc.addr)
		if err != nil {
			t.Fatalf("resolve %s: %v", tc.addr, err)
		}
		if got := runtimeBaseURL(addr); got != tc.want {
			t.Fatalf("runtimeBaseURL(%s)=%q want %q", tc.addr, got, tc.want)
		}
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.JWTSecret = ""
	if _, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil || !strings.Contains(err.Error(), "RELAY_JWT_SECRET") {
		t.Fatalf("err=%v", err)
	}
}

type runningApp struct {
	app  *App
	srv  *httptest.Server
	auth *linkapi.Authenticator
}

func startApp(t *testing.T) *runningApp {
	t.Helper()

	cfg := validConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.SimReadyAfter = -1
	cfg.SweepInterval = 0
	cfg.ShutdownTimeout = 5 * time.Second
	cfg.AdminSubjects = []string{"root"}

	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("Run did not return after cancel")
		}
	})

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	auth, err := linkapi.NewAuthenticator([]byte(cfg.JWTSecret), cfg.JWTIssuer, nil)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	return &runningApp{app: a, srv: srv, auth: auth}
}

func (r *runningApp) request(t *testing.T, method, path, subject, body string) (*http.Response, string) {
	t.Helper()

	req, err := http.NewRequest(method, r.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if subject != "" {
		tok, err := r.auth.Mint(subject, time.Minute)
		if err != nil {
			t.Fatalf("Mint: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, string(b)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestApp_OperationalRoutes(t *testing.T) {
	t.Parallel()
	r := startApp(t)

	resp, body := r.request(t, http.MethodGet, "/healthz", "", "")
	if resp.StatusCode != http.StatusOK || body != "ok\n" {
		t.Fatalf("healthz: %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("security headers missing")
	}

	if resp, body = r.request(t, http.MethodGet, "/readyz", "", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz: %d %q", resp.StatusCode, body)
	}

	resp, body = r.request(t, http.MethodGet, "/metrics", "", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "relay_sessions_resident") {
		t.Fatalf("metrics: %d, missing session gauge", resp.StatusCode)
	}

	if resp, _ = r.request(t, http.MethodGet, "/sessions/status", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status: %d", resp.StatusCode)
	}
}

func TestApp_InboundMessageGetsReply(t *testing.T) {
	t.Parallel()
	r := startApp(t)

	resp, body := r.request(t, http.MethodPost, "/sessions/init", "alice", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"qr":"sim-`) {
		t.Fatalf("init: %d %s", resp.StatusCode, body)
	}

	if resp, body = r.request(t, http.MethodPost, "/sim/link", "root", `{"userUid":"alice"}`); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("sim link: %d %s", resp.StatusCode, body)
	}
	waitFor(t, "alice ready", func() bool { return r.app.manager.IsReady("alice") })

	inject := `{"userUid":"alice","from":"15550001@c.us","message":"hi there"}`
	if resp, body = r.request(t, http.MethodPost, "/sim/inject", "root", inject); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("sim inject: %d %s", resp.StatusCode, body)
	}
	waitFor(t, "echo reply", func() bool {
		for _, m := range r.app.sim.Sent("alice") {
			if m.To == "15550001@c.us" && m.Text == "echo: hi there" {
				return true
			}
		}
		return false
	})

	// Activity is persisted off the request path.
	waitFor(t, "last activity", func() bool {
		resp, body := r.request(t, http.MethodGet, "/sessions/last-activity", "alice", "")
		return resp.StatusCode == http.StatusOK && strings.Contains(body, `"lastActivity":"`)
	})
}

func TestApp_SimRoutes(t *testing.T) {
	t.Parallel()
	r := startApp(t)

	link := `{"userUid":"alice"}`
	if resp, _ := r.request(t, http.MethodPost, "/sim/link", "", link); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous link: %d", resp.StatusCode)
	}
	if resp, _ := r.request(t, http.MethodPost, "/sim/link", "alice", link); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin link: %d", resp.StatusCode)
	}
	if resp, _ := r.request(t, http.MethodPost, "/sim/link", "root", link); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("link before init: %d", resp.StatusCode)
	}
	if resp, _ := r.request(t, http.MethodPost, "/sim/link", "root", `{}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("link without uid: %d", resp.StatusCode)
	}

	if resp, body := r.request(t, http.MethodPost, "/sessions/init", "alice", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("init: %d %s", resp.StatusCode, body)
	}
	inject := `{"userUid":"alice","from":"15550001@c.us","message":"early"}`
	if resp, _ := r.request(t, http.MethodPost, "/sim/inject", "root", inject); resp.StatusCode != http.StatusConflict {
		t.Fatalf("inject before link: %d", resp.StatusCode)
	}
}
