package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinyedit/docsync/pkg/persistence"
	"github.com/tinyedit/docsync/pkg/protocol"
	"github.com/tinyedit/docsync/pkg/replica"
)

func newTestServer(t *testing.T, cfg *ServerConfig) (*Server, *httptest.Server) {
	t.Helper()
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	cfg.Document = testDocumentConfig()
	s := New(cfg)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error: %v", path, err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrames(t *testing.T, ws *websocket.Conn, n int) [][]byte {
	t.Helper()
	out := make([][]byte, 0, n)
	for len(out) < n {
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage error after %d frames: %v", len(out), err)
		}
		if msgType != websocket.BinaryMessage {
			t.Fatalf("message type = %d, want binary", msgType)
		}
		out = append(out, data)
	}
	return out
}

func TestServerSyncsClients(t *testing.T) {
	s, ts := newTestServer(t, nil)

	ws1 := dial(t, ts, "/doc1?token=abc")
	c1 := newClient()
	c1.receive(t, readFrames(t, ws1, 2))

	if err := ws1.WriteMessage(websocket.BinaryMessage, c1.insert(t, 0, "hello")); err != nil {
		t.Fatalf("WriteMessage error: %v", err)
	}
	eventually(t, 2*time.Second, func() bool {
		d, ok := s.Registry().Get("doc1")
		return ok && d.Replica().String() == "hello"
	}, "server applied the update")

	ws2 := dial(t, ts, "/doc1")
	c2 := newClient()
	c2.receive(t, readFrames(t, ws2, 2))
	if got := c2.doc.String(); got != "hello" {
		t.Fatalf("second client text = %q, want hello", got)
	}

	if err := ws2.WriteMessage(websocket.BinaryMessage, c2.insert(t, 5, " world")); err != nil {
		t.Fatalf("WriteMessage error: %v", err)
	}
	c1.receive(t, readFrames(t, ws1, 1))
	if got := c1.doc.String(); got != "hello world" {
		t.Fatalf("first client text = %q, want %q", got, "hello world")
	}
}

func TestServerAnswersStep1(t *testing.T) {
	s, ts := newTestServer(t, nil)
	ws := dial(t, ts, "/notes")
	readFrames(t, ws, 2)

	d, ok := s.Registry().Get("notes")
	if !ok {
		t.Fatal("document not registered")
	}
	c := newClient()
	_ = d.Edit(func(doc *replica.Doc) error { return doc.Insert(0, "abc") })
	readFrames(t, ws, 1)

	if err := ws.WriteMessage(websocket.BinaryMessage, protocol.EncodeSyncStep1(c.doc.EncodeStateVector())); err != nil {
		t.Fatalf("WriteMessage error: %v", err)
	}
	reply := readFrames(t, ws, 1)
	if f := decodeFrame(t, reply[0]); f.sync != protocol.SyncStep2 {
		t.Fatalf("reply = %s, want step2", f.sync)
	}
	c.receive(t, reply)
	if got := c.doc.String(); got != "abc" {
		t.Fatalf("client text = %q, want abc", got)
	}
}

func TestServerMalformedFrameKeepsConnection(t *testing.T) {
	_, ts := newTestServer(t, nil)
	ws := dial(t, ts, "/doc")
	c := newClient()
	c.receive(t, readFrames(t, ws, 2))

	if err := ws.WriteMessage(websocket.BinaryMessage, []byte{0, 2, 3, 9, 9, 9}); err != nil {
		t.Fatalf("WriteMessage error: %v", err)
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, protocol.EncodeSyncStep1(c.doc.EncodeStateVector())); err != nil {
		t.Fatalf("WriteMessage error: %v", err)
	}
	reply := readFrames(t, ws, 1)
	if f := decodeFrame(t, reply[0]); f.sync != protocol.SyncStep2 {
		t.Fatalf("reply = %s, want step2", f.sync)
	}
}

func TestServerHealth(t *testing.T) {
	_, ts := newTestServer(t, nil)

	for _, path := range []string{"/", "/healthz", "/some-doc"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || string(body) != "okay" {
			t.Fatalf("GET %s = %d %q, want 200 okay", path, resp.StatusCode, body)
		}
	}
}

func TestServerMetricsEndpoint(t *testing.T) {
	cfg := DefaultServerConfig().WithRegistry(prometheus.NewRegistry())
	_, ts := newTestServer(t, cfg)

	ws := dial(t, ts, "/doc")
	readFrames(t, ws, 2)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	for _, want := range []string{"docsync_connections 1", "docsync_documents 1"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestServerEndpointNamesAreDocuments(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Registry = prometheus.NewRegistry()
	s, ts := newTestServer(t, cfg)

	for _, name := range []string{"healthz", "metrics"} {
		ws := dial(t, ts, "/"+name)
		c := newClient()
		c.receive(t, readFrames(t, ws, 2))
		if _, ok := s.Registry().Get(name); !ok {
			t.Fatalf("no session for document %q", name)
		}
	}

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "okay" {
		t.Fatalf("GET /healthz body = %q, want okay", body)
	}
}

func TestServerWithoutRegistryHasNoMetrics(t *testing.T) {
	_, ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if strings.Contains(string(body), "docsync_") {
		t.Fatal("metrics served without a registry")
	}
}

func TestServerShutdownFlushes(t *testing.T) {
	store := persistence.NewMemoryStore()
	gw := persistence.NewGateway(store)
	if err := gw.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	s, ts := newTestServer(t, DefaultServerConfig().WithPersistence(gw))

	ws := dial(t, ts, "/doc")
	c := newClient()
	c.receive(t, readFrames(t, ws, 2))
	if err := ws.WriteMessage(websocket.BinaryMessage, c.insert(t, 0, "saved")); err != nil {
		t.Fatalf("WriteMessage error: %v", err)
	}
	eventually(t, 2*time.Second, func() bool {
		d, ok := s.Registry().Get("doc")
		return ok && d.Replica().String() == "saved"
	}, "server applied the update")

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("client read error = %v, want going-away close", err)
	}

	doc, _, err := persistence.LoadDocument(context.Background(), store, "doc")
	if err != nil {
		t.Fatalf("LoadDocument error: %v", err)
	}
	if got := doc.String(); got != "saved" {
		t.Fatalf("stored text = %q, want saved", got)
	}
}

func TestDocumentIDFromPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/doc1", "doc1"},
		{"/doc1?room=2", "doc1"},
		{"/doc1/extra/parts", "doc1"},
		{"//doc1", "doc1"},
		{"/", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := DocumentIDFromPath(tt.path); got != tt.want {
			t.Errorf("DocumentIDFromPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestOriginChecker(t *testing.T) {
	check := OriginChecker([]string{"https://app.example.com", "localhost:3000"})
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.example.com", true},
		{"http://localhost:3000", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/doc", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := check(r); got != tt.want {
			t.Errorf("origin %q allowed = %v, want %v", tt.origin, got, tt.want)
		}
	}

	if !OriginChecker([]string{"*"})(httptest.NewRequest(http.MethodGet, "/", nil)) {
		t.Error("wildcard should allow every origin")
	}
}
