package tunnel

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hons82/go-localtunnel/log"
)

func testLogger(t *testing.T) log.Logger {
	t.Helper()
	if testing.Verbose() {
		return log.NewFilterLogger(log.NewStdLogger(), 2)
	}
	return log.NewNopLogger()
}

// fakeBroker is a scriptable broker API endpoint.
type fakeBroker struct {
	srv *httptest.Server

	mu              sync.Mutex
	negotiations    int
	negotiateStatus int
	remotePort      int
	maxConnCount    int
	url             string
	ip              string
	ipChangeStatus  int
	ipChanges       []string
}

func newFakeBroker() *fakeBroker {
	b := &fakeBroker{
		negotiateStatus: http.StatusOK,
		maxConnCount:    1,
		url:             "https://demo.tunnel.new",
		ipChangeStatus:  http.StatusOK,
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	return b
}

func (b *fakeBroker) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/ip":
		b.mu.Lock()
		ip := b.ip
		b.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"ip": ip})

	case strings.HasSuffix(r.URL.Path, "/ip-change"):
		body, _ := ioutil.ReadAll(r.Body)
		b.mu.Lock()
		b.ipChanges = append(b.ipChanges, string(body))
		status := b.ipChangeStatus
		b.mu.Unlock()
		if status != http.StatusOK {
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]string{"message": "migration rejected"})
			return
		}

	default:
		b.mu.Lock()
		b.negotiations++
		status := b.negotiateStatus
		port := b.remotePort
		maxConn := b.maxConnCount
		url := b.url
		b.mu.Unlock()

		if status != http.StatusOK {
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]string{"message": "no session for you"})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":             "abc",
			"ip":             "127.0.0.1",
			"port":           port,
			"url":            url,
			"max_conn_count": maxConn,
		})
	}
}

func (b *fakeBroker) negotiationCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.negotiations
}

func (b *fakeBroker) ipChangeBodies() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.ipChanges...)
}

func (b *fakeBroker) set(f func(b *fakeBroker)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f(b)
}

func (b *fakeBroker) close() {
	b.srv.Close()
}

// fakeRemote stands in for the broker's forwarding port.
type fakeRemote struct {
	ln       net.Listener
	accepted chan net.Conn

	mu    sync.Mutex
	conns []net.Conn
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("listen failed", err)
	}

	r := &fakeRemote{
		ln:       ln,
		accepted: make(chan net.Conn, 16),
	}
	go r.acceptLoop()

	return r
}

func (r *fakeRemote) acceptLoop() {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			return
		}
		r.mu.Lock()
		r.conns = append(r.conns, conn)
		r.mu.Unlock()
		r.accepted <- conn
	}
}

func (r *fakeRemote) port() int {
	return r.ln.Addr().(*net.TCPAddr).Port
}

func (r *fakeRemote) accept(t *testing.T) net.Conn {
	t.Helper()

	select {
	case conn := <-r.accepted:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for forwarding connection")
		return nil
	}
}

func (r *fakeRemote) expectNoAccept(t *testing.T, d time.Duration) {
	t.Helper()

	select {
	case <-r.accepted:
		t.Fatal("unexpected forwarding connection")
	case <-time.After(d):
	}
}

func (r *fakeRemote) close() {
	r.ln.Close()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		c.Close()
	}
}

// newLocalServer starts an HTTP server for the forwarded local service and
// returns it with its port.
func newLocalServer(t *testing.T, handler http.Handler) (*httptest.Server, int) {
	t.Helper()

	srv := httptest.NewServer(handler)
	port := localServerPort(t, srv)

	return srv, port
}

func localServerPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()

	_, p, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatal("bad local server address", err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		t.Fatal("bad local server port", err)
	}

	return port
}

func handlerEchoHTTP(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, r.URL.Query().Get("echo"))
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
