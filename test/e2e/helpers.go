// Package e2e exercises the relay HTTP API and the client end to end.
package e2e

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/api"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/auth"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/notify"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/relay"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/store"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/syncer"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/transport"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/pkg/betterbase"
)

var testSecret = []byte("e2e-secret")

// relayServer is an in-process relay whose database survives restarts.
type relayServer struct {
	t      *testing.T
	dbPath string

	mu    sync.Mutex
	store *store.SQLiteStore
	svc   *relay.Service
	ts    *httptest.Server
	url   string
}

func startRelay(t *testing.T) *relayServer {
	t.Helper()
	r := &relayServer{t: t, dbPath: filepath.Join(t.TempDir(), "relay.db")}
	r.start()
	t.Cleanup(r.stop)
	return r
}

func (r *relayServer) start() {
	r.t.Helper()
	st, err := store.NewSQLiteStore(r.dbPath)
	if err != nil {
		r.t.Fatalf("NewSQLiteStore: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := relay.New(st, auth.NewIssuer(testSecret, time.Hour, time.Hour), notify.NewHub(64),
		relay.DefaultConfig(), relay.WithLogger(logger))
	handler := api.NewRouter(api.NewHandler(svc, "e2e"))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.store, r.svc = st, svc
	if r.url == "" {
		r.ts = httptest.NewServer(handler)
		r.url = r.ts.URL
		return
	}
	// Restart on the same address so clients keep their base URL.
	r.ts = httptest.NewUnstartedServer(handler)
	r.ts.Listener.Close()
	u, err := url.Parse(r.url)
	if err != nil {
		r.t.Fatalf("parse %s: %v", r.url, err)
	}
	l, err := net.Listen("tcp", u.Host)
	if err != nil {
		r.t.Fatalf("relisten %s: %v", r.url, err)
	}
	r.ts.Listener = l
	r.ts.Start()
}

func (r *relayServer) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ts != nil {
		r.ts.CloseClientConnections()
		r.ts.Close()
		r.ts = nil
	}
	if r.store != nil {
		r.store.Close()
		r.store = nil
	}
}

func (r *relayServer) restart() {
	r.stop()
	r.start()
}

func (r *relayServer) stats(t *testing.T) *store.Stats {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.store.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	return s
}

// openClient opens a client over HTTP. A new replica registers handle.
func openClient(t *testing.T, r *relayServer, path, handle string, creds *betterbase.Credentials) *betterbase.Client {
	t.Helper()
	c, err := betterbase.Open(context.Background(), betterbase.Config{
		Path:        path,
		Relay:       transport.NewHTTP(r.url, transport.WithTimeout(5*time.Second)),
		Handle:      handle,
		Credentials: creds,
		Sync:        syncer.Config{Timeout: 5 * time.Second},
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("Open(%s): %v", handle, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func newClient(t *testing.T, r *relayServer, handle string) *betterbase.Client {
	t.Helper()
	return openClient(t, r, filepath.Join(t.TempDir(), handle+".db"), handle, nil)
}

func mustSync(t *testing.T, c *betterbase.Client) {
	t.Helper()
	if _, err := c.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}

func titles(t *testing.T, c *betterbase.Client, opts ...betterbase.QueryOption) []string {
	t.Helper()
	recs, err := c.Query(context.Background(), "notes", opts...)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	out := make([]string, 0, len(recs))
	for _, rec := range recs {
		var s string
		if _, err := rec.Decode("title", &s); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		out = append(out, s)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
