package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/danmuck/waywire/internal/auth"
	"github.com/danmuck/waywire/internal/display"
	"github.com/danmuck/waywire/internal/protocol/schema"
	"github.com/danmuck/waywire/internal/protocol/session"
	"github.com/danmuck/waywire/internal/testutil/testlog"
)

func newAdmin(t *testing.T, cfg Config) (*Server, *display.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	p := schema.NewProtocol("test")
	if err := p.Merge(schema.Core()); err != nil {
		t.Fatalf("merge: %v", err)
	}
	d, err := display.New(p)
	if err != nil {
		t.Fatalf("display: %v", err)
	}
	if _, err := d.AddGlobal(context.Background(), "wl_callback", 1, nil); err != nil {
		t.Fatalf("add global: %v", err)
	}
	ds := display.NewServer(d, session.DefaultConfig())
	return New(cfg, ds), ds
}

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestProbeEndpoints(t *testing.T) {
	testlog.Start(t)
	s, _ := newAdmin(t, Config{Token: "secret"})
	h := s.Handler()

	if w := do(t, h, http.MethodGet, "/health", ""); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Fatalf("health=%d %s", w.Code, w.Body.String())
	}
	if w := do(t, h, http.MethodGet, "/ready", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready before serving=%d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/metrics", ""); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "waywire_display_globals") {
		t.Fatalf("metrics=%d", w.Code)
	}
}

func TestViewsRequireToken(t *testing.T) {
	testlog.Start(t)
	s, _ := newAdmin(t, Config{Token: "secret", ReadToken: "viewer"})
	h := s.Handler()

	if w := do(t, h, http.MethodGet, "/globals", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("globals without token=%d", w.Code)
	}
	w := do(t, h, http.MethodGet, "/globals", "secret")
	if w.Code != http.StatusOK {
		t.Fatalf("globals=%d", w.Code)
	}
	var body struct {
		Globals []display.GlobalInfo `json:"globals"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Globals) != 1 || body.Globals[0].Interface != "wl_callback" {
		t.Fatalf("globals=%+v", body.Globals)
	}

	if w := do(t, h, http.MethodGet, "/globals", "viewer"); w.Code != http.StatusOK {
		t.Fatalf("globals with read token=%d", w.Code)
	}
	if w := do(t, h, http.MethodDelete, "/connections/1", "viewer"); w.Code != http.StatusForbidden {
		t.Fatalf("disconnect with read token=%d", w.Code)
	}
	if w := do(t, h, http.MethodDelete, "/connections/1", "secret"); w.Code != http.StatusNotFound {
		t.Fatalf("disconnect unknown=%d", w.Code)
	}

	open, _ := newAdmin(t, Config{})
	if w := do(t, open.Handler(), http.MethodGet, "/connections", ""); w.Code != http.StatusOK {
		t.Fatalf("open connections=%d", w.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/connections", nil)
	req.Header.Set(auth.HeaderToken, "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("header token=%d", rec.Code)
	}
}

func TestDisconnectConnection(t *testing.T) {
	testlog.Start(t)
	s, ds := newAdmin(t, Config{})
	h := s.Handler()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	serverEnd, clientEnd := session.NewPipe(0)
	go func() { _ = ds.ServeTransport(ctx, serverEnd) }()
	c, err := display.NewClient(ctx, clientEnd, ds.Display().Protocol(), session.DefaultConfig())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	defer c.Close()
	if _, err := c.Roundtrip(ctx); err != nil {
		t.Fatalf("roundtrip: %v", err)
	}

	w := do(t, h, http.MethodGet, "/connections", "")
	var body struct {
		Connections []display.ConnInfo `json:"connections"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || len(body.Connections) != 1 {
		t.Fatalf("connections=%s err=%v", w.Body.String(), err)
	}
	id := strconv.FormatUint(body.Connections[0].ID, 10)

	if w := do(t, h, http.MethodDelete, "/connections/nope", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id=%d", w.Code)
	}
	if w := do(t, h, http.MethodDelete, "/connections/"+id, ""); w.Code != http.StatusNoContent {
		t.Fatalf("disconnect=%d", w.Code)
	}
	select {
	case <-c.Done():
	case <-ctx.Done():
		t.Fatalf("client still connected")
	}
	if w := do(t, h, http.MethodDelete, "/connections/"+id, ""); w.Code != http.StatusNotFound {
		t.Fatalf("second disconnect=%d", w.Code)
	}
}
