package tunnel

import (
	"bufio"
	"errors"
	"io/ioutil"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"
)

func TestClient_EndToEnd(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote(t)
	defer remote.close()
	local, port := newLocalServer(t, http.HandlerFunc(handlerEchoHTTP))
	defer local.Close()

	broker := newFakeBroker()
	defer broker.close()
	broker.set(func(b *fakeBroker) {
		b.remotePort = remote.port()
		b.maxConnCount = 2
	})

	urls := make(chan string, 4)
	requests := make(chan RequestEvent, 16)

	c, err := NewClient(&ClientConfig{
		LocalPort: port,
		BrokerURL: broker.srv.URL,

		DisableIPDetection: true,

		Logger:    testLogger(t),
		OnURL:     func(url string) { urls <- url },
		OnRequest: func(e RequestEvent) { requests <- e },
	})
	if err != nil {
		t.Fatal("NewClient error", err)
	}
	defer c.Close()

	if err := c.Start(); err != nil {
		t.Fatal("Start error", err)
	}

	select {
	case url := <-urls:
		if url != "https://demo.tunnel.new" {
			t.Error("URL mismatch", url)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("URL callback did not fire")
	}

	conn := remote.accept(t)
	remote.accept(t)

	waitFor(t, "client did not go active", func() bool {
		return c.State() == StateActive
	})
	if c.URL() != "https://demo.tunnel.new" {
		t.Error("URL mismatch", c.URL())
	}

	req, _ := http.NewRequest(http.MethodGet, "http://demo.tunnel.new/hello?echo=ping", nil)
	if err := req.Write(conn); err != nil {
		t.Fatal("request write error", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		t.Fatal("response read error", err)
	}
	defer resp.Body.Close()
	body, _ := ioutil.ReadAll(resp.Body)
	if string(body) != "ping" {
		t.Error("body mismatch", string(body))
	}

	select {
	case e := <-requests:
		if e.Method != http.MethodGet || e.Path != "/hello" {
			t.Error("request event mismatch", e)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("request callback did not fire")
	}
}

func TestClient_StartTwice(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote(t)
	defer remote.close()
	local, port := newLocalServer(t, http.HandlerFunc(handlerEchoHTTP))
	defer local.Close()

	broker := newFakeBroker()
	defer broker.close()
	broker.set(func(b *fakeBroker) {
		b.remotePort = remote.port()
	})

	c, err := NewClient(&ClientConfig{
		LocalPort:          port,
		BrokerURL:          broker.srv.URL,
		DisableIPDetection: true,
		Logger:             testLogger(t),
	})
	if err != nil {
		t.Fatal("NewClient error", err)
	}
	defer c.Close()

	if err := c.Start(); err != nil {
		t.Fatal("Start error", err)
	}
	if err := c.Start(); err != errClientAlreadyStarted {
		t.Error("expected errClientAlreadyStarted, got", err)
	}
}

func TestClient_SubdomainConflict(t *testing.T) {
	t.Parallel()

	broker := newFakeBroker()
	defer broker.close()
	broker.set(func(b *fakeBroker) {
		b.negotiateStatus = http.StatusConflict
	})

	c, err := NewClient(&ClientConfig{
		LocalPort: 8000,
		BrokerURL: broker.srv.URL,
		Subdomain: "demo",
		Logger:    testLogger(t),
	})
	if err != nil {
		t.Fatal("NewClient error", err)
	}
	defer c.Close()

	err = c.Start()
	var conflict *SubdomainConflictError
	if !errors.As(err, &conflict) {
		t.Fatal("expected SubdomainConflictError, got", err)
	}
	if c.State() != StateFailed {
		t.Error("expected failed state, got", c.State())
	}
	if broker.negotiationCount() != 1 {
		t.Error("conflict must not be retried, requests:", broker.negotiationCount())
	}
}

func TestClient_CloseIdempotent(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote(t)
	defer remote.close()
	local, port := newLocalServer(t, http.HandlerFunc(handlerEchoHTTP))
	defer local.Close()

	broker := newFakeBroker()
	defer broker.close()
	broker.set(func(b *fakeBroker) {
		b.remotePort = remote.port()
	})

	var mu sync.Mutex
	closes := 0

	c, err := NewClient(&ClientConfig{
		LocalPort:          port,
		BrokerURL:          broker.srv.URL,
		DisableIPDetection: true,
		Logger:             testLogger(t),
		OnClose: func() {
			mu.Lock()
			closes++
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal("NewClient error", err)
	}

	if err := c.Start(); err != nil {
		t.Fatal("Start error", err)
	}
	remote.accept(t)
	waitFor(t, "client did not go active", func() bool {
		return c.State() == StateActive
	})

	if err := c.Close(); err != nil {
		t.Fatal("Close error", err)
	}
	if err := c.Close(); err != nil {
		t.Fatal("second Close error", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if closes != 1 {
		t.Error("OnClose should fire once, fired", closes)
	}
	if c.State() != StateClosed {
		t.Error("expected closed state, got", c.State())
	}
	if err := c.Start(); err != ErrClientClosed {
		t.Error("expected ErrClientClosed, got", err)
	}
}

func TestClient_Reconnects(t *testing.T) {
	t.Parallel()

	remote1 := newFakeRemote(t)
	remote2 := newFakeRemote(t)
	remote3 := newFakeRemote(t)
	defer remote3.close()
	local, port := newLocalServer(t, http.HandlerFunc(handlerEchoHTTP))
	defer local.Close()

	broker := newFakeBroker()
	defer broker.close()
	broker.set(func(b *fakeBroker) {
		b.remotePort = remote1.port()
	})

	urls := make(chan string, 4)
	var mu sync.Mutex
	var errs []error

	// a budget of one makes a leaked attempt count fatal on the next cycle
	c, err := NewClient(&ClientConfig{
		LocalPort:            port,
		BrokerURL:            broker.srv.URL,
		DisableIPDetection:   true,
		MaxReconnectAttempts: 1,
		ReconnectDelay:       10 * time.Millisecond,
		Logger:               testLogger(t),
		OnURL:                func(url string) { urls <- url },
		OnError: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal("NewClient error", err)
	}
	defer c.Close()

	if err := c.Start(); err != nil {
		t.Fatal("Start error", err)
	}
	remote1.accept(t)
	<-urls
	waitFor(t, "client did not go active", func() bool {
		return c.State() == StateActive
	})

	// the session endpoint moves, killing the old forwarding port
	broker.set(func(b *fakeBroker) {
		b.remotePort = remote2.port()
	})
	remote1.close()

	remote2.accept(t)
	select {
	case <-urls:
	case <-time.After(5 * time.Second):
		t.Fatal("URL callback did not fire after reconnect")
	}
	waitFor(t, "client did not recover", func() bool {
		return c.State() == StateActive
	})
	if broker.negotiationCount() != 2 {
		t.Error("expected one renegotiation, requests:", broker.negotiationCount())
	}

	// a recovered session starts with a fresh budget
	broker.set(func(b *fakeBroker) {
		b.remotePort = remote3.port()
	})
	remote2.close()

	remote3.accept(t)
	select {
	case <-urls:
	case <-time.After(5 * time.Second):
		t.Fatal("URL callback did not fire after second reconnect")
	}
	waitFor(t, "client did not recover a second time", func() bool {
		return c.State() == StateActive
	})
	if broker.negotiationCount() != 3 {
		t.Error("expected two renegotiations, requests:", broker.negotiationCount())
	}

	mu.Lock()
	defer mu.Unlock()
	for _, err := range errs {
		if err == ErrReconnectExhausted {
			t.Fatal("budget was not reset after recovery")
		}
	}
}

func TestClient_ReconnectsOnIPChangeFailure(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote(t)
	defer remote.close()
	local, port := newLocalServer(t, http.HandlerFunc(handlerEchoHTTP))
	defer local.Close()

	broker := newFakeBroker()
	defer broker.close()
	broker.set(func(b *fakeBroker) {
		b.remotePort = remote.port()
		b.ip = "1.1.1.1"
	})

	changes := make(chan IPChangeEvent, 4)

	c, err := NewClient(&ClientConfig{
		LocalPort:             port,
		BrokerURL:             broker.srv.URL,
		DisableNetworkMonitor: true,
		ReconnectDelay:        10 * time.Millisecond,
		Logger:                testLogger(t),
		OnIPChange:            func(e IPChangeEvent) { changes <- e },
	})
	if err != nil {
		t.Fatal("NewClient error", err)
	}
	defer c.Close()

	if err := c.Start(); err != nil {
		t.Fatal("Start error", err)
	}
	remote.accept(t)

	waitFor(t, "baseline IP was not observed", func() bool {
		c.mu.Lock()
		monitor := c.monitor
		c.mu.Unlock()
		return monitor != nil && monitor.CurrentIP() == "1.1.1.1"
	})

	// the session no longer exists at the broker, migration is rejected
	broker.set(func(b *fakeBroker) {
		b.ip = "2.2.2.2"
		b.ipChangeStatus = http.StatusNotFound
	})
	c.CheckIPNow()

	select {
	case e := <-changes:
		if e.Success {
			t.Error("rejected migration must not report success")
		}
		var ipErr *IPChangeError
		if !errors.As(e.Err, &ipErr) || ipErr.Kind != TunnelExpired {
			t.Error("expected TunnelExpired, got", e.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("IP change callback did not fire")
	}

	remote.accept(t)
	waitFor(t, "failed migration did not drive a reconnect", func() bool {
		return broker.negotiationCount() >= 2 && c.State() == StateActive
	})
}

func TestClient_ForwardDialFailuresExhaustBudget(t *testing.T) {
	t.Parallel()

	local, port := newLocalServer(t, http.HandlerFunc(handlerEchoHTTP))
	defer local.Close()

	broker := newFakeBroker()
	defer broker.close()

	var mu sync.Mutex
	var errs []error

	// negotiation always succeeds, every forwarding dial fails right away
	c, err := NewClient(&ClientConfig{
		LocalPort:            port,
		BrokerURL:            broker.srv.URL,
		DisableIPDetection:   true,
		MaxReconnectAttempts: 2,
		ReconnectDelay:       10 * time.Millisecond,
		DialRemote: func(network, addr string) (net.Conn, error) {
			return nil, errors.New("no route to host")
		},
		Logger: testLogger(t),
		OnError: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal("NewClient error", err)
	}
	defer c.Close()

	if err := c.Start(); err != nil {
		t.Fatal("Start error", err)
	}

	waitFor(t, "reconnect budget was not exhausted", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, err := range errs {
			if err == ErrReconnectExhausted {
				return true
			}
		}
		return false
	})
	if c.State() != StateFailed {
		t.Error("expected failed state, got", c.State())
	}
	if broker.negotiationCount() != 3 {
		t.Error("expected initial and two retry negotiations, requests:", broker.negotiationCount())
	}
}

func TestClient_ReconnectBudgetExhausted(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote(t)
	local, port := newLocalServer(t, http.HandlerFunc(handlerEchoHTTP))
	defer local.Close()

	broker := newFakeBroker()
	defer broker.close()
	broker.set(func(b *fakeBroker) {
		b.remotePort = remote.port()
	})

	var mu sync.Mutex
	var errs []error

	c, err := NewClient(&ClientConfig{
		LocalPort:            port,
		BrokerURL:            broker.srv.URL,
		DisableIPDetection:   true,
		MaxReconnectAttempts: 2,
		ReconnectDelay:       10 * time.Millisecond,
		Logger:               testLogger(t),
		OnError: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal("NewClient error", err)
	}
	defer c.Close()

	if err := c.Start(); err != nil {
		t.Fatal("Start error", err)
	}
	remote.accept(t)
	waitFor(t, "client did not go active", func() bool {
		return c.State() == StateActive
	})

	// every reconnect attempt is rejected by the broker
	broker.set(func(b *fakeBroker) {
		b.negotiateStatus = http.StatusInternalServerError
	})
	remote.close()

	waitFor(t, "reconnect budget was not exhausted", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, err := range errs {
			if err == ErrReconnectExhausted {
				return true
			}
		}
		return false
	})
	if c.State() != StateFailed {
		t.Error("expected failed state, got", c.State())
	}
}

func TestClient_NoReconnectWhenDisabled(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote(t)
	local, port := newLocalServer(t, http.HandlerFunc(handlerEchoHTTP))
	defer local.Close()

	broker := newFakeBroker()
	defer broker.close()
	broker.set(func(b *fakeBroker) {
		b.remotePort = remote.port()
	})

	c, err := NewClient(&ClientConfig{
		LocalPort:            port,
		BrokerURL:            broker.srv.URL,
		DisableIPDetection:   true,
		DisableAutoReconnect: true,
		Logger:               testLogger(t),
	})
	if err != nil {
		t.Fatal("NewClient error", err)
	}
	defer c.Close()

	if err := c.Start(); err != nil {
		t.Fatal("Start error", err)
	}
	remote.accept(t)
	waitFor(t, "client did not go active", func() bool {
		return c.State() == StateActive
	})

	remote.close()

	waitFor(t, "client did not fail", func() bool {
		return c.State() == StateFailed
	})
	if broker.negotiationCount() != 1 {
		t.Error("no renegotiation expected, requests:", broker.negotiationCount())
	}
}

func TestClient_IPChange(t *testing.T) {
	t.Parallel()

	remote := newFakeRemote(t)
	defer remote.close()
	local, port := newLocalServer(t, http.HandlerFunc(handlerEchoHTTP))
	defer local.Close()

	broker := newFakeBroker()
	defer broker.close()
	broker.set(func(b *fakeBroker) {
		b.remotePort = remote.port()
		b.ip = "1.1.1.1"
	})

	changes := make(chan IPChangeEvent, 4)

	c, err := NewClient(&ClientConfig{
		LocalPort:             port,
		BrokerURL:             broker.srv.URL,
		DisableNetworkMonitor: true,
		Logger:                testLogger(t),
		OnIPChange:            func(e IPChangeEvent) { changes <- e },
	})
	if err != nil {
		t.Fatal("NewClient error", err)
	}
	defer c.Close()

	if err := c.Start(); err != nil {
		t.Fatal("Start error", err)
	}
	remote.accept(t)

	waitFor(t, "baseline IP was not observed", func() bool {
		c.mu.Lock()
		monitor := c.monitor
		c.mu.Unlock()
		return monitor != nil && monitor.CurrentIP() == "1.1.1.1"
	})

	broker.set(func(b *fakeBroker) {
		b.ip = "2.2.2.2"
	})
	c.CheckIPNow()

	select {
	case e := <-changes:
		if e.OldIP != "1.1.1.1" || e.NewIP != "2.2.2.2" || !e.Success {
			t.Error("change event mismatch", e)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("IP change callback did not fire")
	}
}
