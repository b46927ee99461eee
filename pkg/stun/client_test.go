package stun

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeServer is a raw UDP endpoint driven by a per-datagram handler.
// A nil handler swallows everything.
type fakeServer struct {
	conn *net.UDPConn
	wg   sync.WaitGroup
}

func newFakeServer(t *testing.T, handle func(conn *net.UDPConn, data []byte, from *net.UDPAddr)) *fakeServer {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	s := &fakeServer{conn: conn}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if handle != nil {
				data := append([]byte(nil), buf[:n]...)
				handle(conn, data, from)
			}
		}
	}()
	t.Cleanup(func() {
		conn.Close()
		s.wg.Wait()
	})
	return s
}

func (s *fakeServer) addr() string {
	return s.conn.LocalAddr().String()
}

// respond sends a success response for req carrying mapped as its
// XOR-MAPPED-ADDRESS.
func respond(conn *net.UDPConn, req *Message, to *net.UDPAddr, mapped *net.UDPAddr) {
	resp := &Message{Header: Header{
		Method:        MethodBinding,
		Class:         ClassSuccessResponse,
		TransactionID: req.Header.TransactionID,
	}}
	resp.Set(AttrXORMappedAddress, XORAddressValue(mapped, req.Header.TransactionID))
	conn.WriteToUDP(resp.Encode(), to)
}

func newTestClient(t *testing.T, cfg *Config) *Client {
	t.Helper()
	client, err := NewClient("127.0.0.1:0", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestBindingRequest(t *testing.T) {
	mapped := &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 4242}
	server := newFakeServer(t, func(conn *net.UDPConn, data []byte, from *net.UDPAddr) {
		req, err := Decode(data)
		if err != nil {
			return
		}
		respond(conn, req, from, mapped)
	})

	client := newTestClient(t, nil)
	resp, err := client.BindingRequest(server.addr(), nil)
	require.NoError(t, err)

	assert.Equal(t, ClassSuccessResponse, resp.Header.Class)
	assert.Equal(t, MethodBinding, resp.Header.Method)
	addr, ok := resp.XORMappedAddress()
	require.True(t, ok)
	assert.True(t, addr.IP.Equal(mapped.IP))
	assert.Equal(t, mapped.Port, addr.Port)
}

func TestBindingRequestSendsSoftware(t *testing.T) {
	var mu sync.Mutex
	var gotSoftware string
	server := newFakeServer(t, func(conn *net.UDPConn, data []byte, from *net.UDPAddr) {
		req, err := Decode(data)
		if err != nil {
			return
		}
		if sw, ok := req.Software(); ok {
			mu.Lock()
			gotSoftware = sw
			mu.Unlock()
		}
		respond(conn, req, from, from)
	})

	client := newTestClient(t, &Config{Software: "vega/test"})
	_, err := client.BindingRequest(server.addr(), nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "vega/test", gotSoftware)
}

func TestBindingRequestTimeout(t *testing.T) {
	server := newFakeServer(t, nil)

	metrics := NewMetrics()
	client := newTestClient(t, &Config{RecvTimeout: 150 * time.Millisecond, Metrics: metrics})

	start := time.Now()
	_, err := client.BindingRequest(server.addr(), nil)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.TimeoutsTotal))

	client.mu.Lock()
	remaining := len(client.transactions)
	client.mu.Unlock()
	assert.Zero(t, remaining, "transaction table should be empty after timeout")
}

func TestTransactionDemux(t *testing.T) {
	// Responses are sent in reverse arrival order with a distinct
	// mapped port per request, derived from the SOFTWARE attribute.
	portBySoftware := map[string]int{"peer-a": 1111, "peer-b": 2222}

	var mu sync.Mutex
	var pending []*struct {
		req  *Message
		from *net.UDPAddr
	}
	server := newFakeServer(t, func(conn *net.UDPConn, data []byte, from *net.UDPAddr) {
		req, err := Decode(data)
		if err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		pending = append(pending, &struct {
			req  *Message
			from *net.UDPAddr
		}{req, from})
		if len(pending) < 2 {
			return
		}
		for i := len(pending) - 1; i >= 0; i-- {
			p := pending[i]
			sw, _ := p.req.Software()
			mapped := &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: portBySoftware[sw]}
			respond(conn, p.req, p.from, mapped)
		}
	})

	client := newTestClient(t, nil)

	type demuxResult struct {
		name string
		port int
		err  error
	}
	resultCh := make(chan demuxResult, 2)
	for _, name := range []string{"peer-a", "peer-b"} {
		go func(name string) {
			resp, err := client.BindingRequest(server.addr(), map[AttrType][]byte{
				AttrSoftware: []byte(name),
			})
			if err != nil {
				resultCh <- demuxResult{name: name, err: err}
				return
			}
			addr, ok := resp.XORMappedAddress()
			if !ok {
				resultCh <- demuxResult{name: name, err: assert.AnError}
				return
			}
			resultCh <- demuxResult{name: name, port: addr.Port}
		}(name)
	}

	results := make(map[string]int)
	for i := 0; i < 2; i++ {
		r := <-resultCh
		require.NoError(t, r.err, "request %s", r.name)
		results[r.name] = r.port
	}
	assert.Equal(t, map[string]int{"peer-a": 1111, "peer-b": 2222}, results)
}

func TestUnmatchedResponseDropped(t *testing.T) {
	server := newFakeServer(t, nil)

	metrics := NewMetrics()
	client := newTestClient(t, &Config{RecvTimeout: 300 * time.Millisecond, Metrics: metrics})

	done := make(chan error, 1)
	go func() {
		_, err := client.BindingRequest(server.addr(), nil)
		done <- err
	}()

	// A well-formed response for a transaction nobody owns.
	time.Sleep(50 * time.Millisecond)
	stray, err := NewMessage(MethodBinding, ClassSuccessResponse, nil)
	require.NoError(t, err)
	_, err = server.conn.WriteToUDP(stray.Encode(), client.LocalAddr())
	require.NoError(t, err)

	assert.ErrorIs(t, <-done, ErrTimeout, "stray response must not complete the request")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.UnmatchedTotal))
}

func TestParseErrorBroadcast(t *testing.T) {
	server := newFakeServer(t, nil)

	metrics := NewMetrics()
	client := newTestClient(t, &Config{RecvTimeout: 5 * time.Second, Metrics: metrics})

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := client.BindingRequest(server.addr(), nil)
			errs <- err
		}()
	}

	// Let both requests register, then feed the client garbage.
	time.Sleep(100 * time.Millisecond)
	_, err := server.conn.WriteToUDP([]byte("definitely-not"), client.LocalAddr())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrParse)
		case <-time.After(2 * time.Second):
			t.Fatal("caller hung instead of receiving the broadcast parse error")
		}
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ParseErrorsTotal))
}

func TestCloseCancelsPending(t *testing.T) {
	server := newFakeServer(t, nil)

	client := newTestClient(t, &Config{RecvTimeout: 10 * time.Second})

	done := make(chan error, 1)
	go func() {
		_, err := client.BindingRequest(server.addr(), nil)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClientClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not cancelled by Close")
	}

	_, err := client.BindingRequest(server.addr(), nil)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestSharedSocketReleasedOnClose(t *testing.T) {
	server := newFakeServer(t, func(conn *net.UDPConn, data []byte, from *net.UDPAddr) {
		if req, err := Decode(data); err == nil {
			respond(conn, req, from, from)
			return
		}
		// Echo anything that isn't STUN, for the post-Close check.
		conn.WriteToUDP(data, from)
	})

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	client := NewClientFromConn(conn, nil)
	_, err = client.BindingRequest(server.addr(), nil)
	require.NoError(t, err)

	require.NoError(t, client.Close())

	// The read side belongs to us again; the socket must still work.
	serverAddr, err := net.ResolveUDPAddr("udp", server.addr())
	require.NoError(t, err)
	_, err = conn.WriteToUDP([]byte("keepalive"), serverAddr)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 64)
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "keepalive", string(buf[:n]))
}
