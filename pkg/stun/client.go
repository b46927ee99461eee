package stun

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	// DefaultRecvTimeout bounds the wait for a matching response.
	DefaultRecvTimeout = 3 * time.Second

	// DefaultRecvBufSize is the largest datagram the receive loop will
	// accept; anything bigger is truncated by the UDP layer and will
	// fail to parse.
	DefaultRecvBufSize = 1024
)

// Config holds configuration for creating a Client.
type Config struct {
	// RecvTimeout is the per-request deadline for the response wait.
	RecvTimeout time.Duration

	// RecvBufSize is the receive buffer size in bytes.
	RecvBufSize int

	// Software, when non-empty, is sent as the SOFTWARE attribute on
	// every request that doesn't already carry one.
	Software string

	// Metrics receives client counters. Optional.
	Metrics *Metrics

	// Logger for receive-loop diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a client configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RecvTimeout: DefaultRecvTimeout,
		RecvBufSize: DefaultRecvBufSize,
	}
}

type outcome struct {
	msg *Message
	err error
}

// Client is an asynchronous STUN client. A single background goroutine
// owns the socket's read side and demultiplexes responses to concurrent
// BindingRequest callers by transaction ID.
//
// A datagram that cannot be parsed as STUN, and any socket read error,
// is delivered to every outstanding request rather than tied to one
// transaction: a malformed responder fails callers fast instead of
// letting each ride out its timeout.
type Client struct {
	conn     *net.UDPConn
	ownsConn bool

	recvTimeout time.Duration
	bufSize     int
	software    string
	metrics     *Metrics
	log         *slog.Logger

	mu           sync.Mutex
	transactions map[TransactionID]chan outcome
	closed       bool

	done chan struct{} // closed when the receive loop exits
}

// NewClient binds a UDP socket on localAddr (e.g. "0.0.0.0:0") and
// starts the receive loop. cfg may be nil for defaults.
func NewClient(localAddr string, cfg *Config) (*Client, error) {
	laddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, &IOError{Op: "resolve " + localAddr, Err: err}
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, &IOError{Op: "bind " + localAddr, Err: err}
	}
	c := newClient(conn, true, cfg)
	go c.recvLoop()
	return c, nil
}

// NewClientFromConn builds a Client on a pre-bound socket shared with
// the caller. The client owns the read side until Close, which stops
// the receive loop and leaves the socket open for the other holders.
func NewClientFromConn(conn *net.UDPConn, cfg *Config) *Client {
	c := newClient(conn, false, cfg)
	go c.recvLoop()
	return c
}

func newClient(conn *net.UDPConn, ownsConn bool, cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	recvTimeout := cfg.RecvTimeout
	if recvTimeout <= 0 {
		recvTimeout = DefaultRecvTimeout
	}
	bufSize := cfg.RecvBufSize
	if bufSize <= 0 {
		bufSize = DefaultRecvBufSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		conn:         conn,
		ownsConn:     ownsConn,
		recvTimeout:  recvTimeout,
		bufSize:      bufSize,
		software:     cfg.Software,
		metrics:      cfg.Metrics,
		log:          logger,
		transactions: make(map[TransactionID]chan outcome),
		done:         make(chan struct{}),
	}
}

// LocalAddr returns the local address the client's socket is bound to.
func (c *Client) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// Conn returns the underlying socket, for callers sharing it with the
// client (keepalives, hole punching after Close).
func (c *Client) Conn() *net.UDPConn {
	return c.conn
}

// BindingRequest sends a Binding request with a fresh random
// transaction ID and the given attributes to serverAddr, and waits up
// to the receive timeout for the matching response. The response is
// returned verbatim, whatever its class; callers inspect it.
func (c *Client) BindingRequest(serverAddr string, attrs map[AttrType][]byte) (*Message, error) {
	raddr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		return nil, &IOError{Op: "resolve " + serverAddr, Err: err}
	}

	merged := make(map[AttrType][]byte, len(attrs)+1)
	for t, v := range attrs {
		merged[t] = v
	}
	if c.software != "" {
		if _, ok := merged[AttrSoftware]; !ok {
			merged[AttrSoftware] = []byte(c.software)
		}
	}

	msg, err := NewMessage(MethodBinding, ClassRequest, merged)
	if err != nil {
		return nil, err
	}

	// Register before sending so a response racing the send cannot be
	// dropped for want of a sink.
	ch := make(chan outcome, 1)
	if err := c.register(msg.Header.TransactionID, ch); err != nil {
		return nil, err
	}
	defer c.deregister(msg.Header.TransactionID)

	if _, err := c.conn.WriteToUDP(msg.Encode(), raddr); err != nil {
		return nil, &IOError{Op: "send", Err: err}
	}
	c.metrics.incRequests()

	timer := time.NewTimer(c.recvTimeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		return out.msg, nil
	case <-timer.C:
		c.metrics.incTimeouts()
		return nil, ErrTimeout
	case <-c.done:
		return nil, ErrClientClosed
	}
}

// Close stops the receive loop and waits for it to exit. On a client
// that owns its socket the socket is closed; on a shared socket only
// the read side is released. Pending requests observe ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.ownsConn {
		c.conn.Close()
	} else {
		// Fail the pending read so the loop notices the stop.
		c.conn.SetReadDeadline(time.Now())
	}
	<-c.done
	if !c.ownsConn {
		c.conn.SetReadDeadline(time.Time{})
	}
	return nil
}

func (c *Client) register(id TransactionID, ch chan outcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if _, exists := c.transactions[id]; exists {
		return &UnknownError{Message: "transaction ID collision"}
	}
	c.transactions[id] = ch
	return nil
}

func (c *Client) deregister(id TransactionID) {
	c.mu.Lock()
	delete(c.transactions, id)
	c.mu.Unlock()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// recvLoop owns the socket's read side. It parses each datagram and
// hands the result to the sink registered under its transaction ID;
// parse and read errors go to every sink.
func (c *Client) recvLoop() {
	defer close(c.done)

	buf := make([]byte, c.bufSize)
	for {
		n, from, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if c.isClosed() {
				return
			}
			c.broadcast(&IOError{Op: "recv", Err: err})
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		msg, perr := Decode(buf[:n])
		if perr != nil {
			c.metrics.incParseErrors()
			c.log.Debug("dropping unparseable datagram", "from", from, "bytes", n, "err", perr)
			c.broadcast(perr)
			continue
		}
		c.deliver(msg, from)
	}
}

// deliver hands a parsed message to the sink registered under its
// transaction ID. The table entry is removed by the requesting caller,
// not here. Unmatched responses are dropped.
func (c *Client) deliver(msg *Message, from *net.UDPAddr) {
	c.mu.Lock()
	ch, ok := c.transactions[msg.Header.TransactionID]
	c.mu.Unlock()

	if !ok {
		c.metrics.incUnmatched()
		c.log.Debug("dropping unmatched response", "from", from, "class", msg.Header.Class)
		return
	}
	select {
	case ch <- outcome{msg: msg}:
		c.metrics.incResponses()
	default:
		// Sink already holds a terminal outcome; the caller is done
		// with this transaction.
	}
}

// broadcast delivers err to every currently registered sink.
func (c *Client) broadcast(err error) {
	c.mu.Lock()
	sinks := make([]chan outcome, 0, len(c.transactions))
	for _, ch := range c.transactions {
		sinks = append(sinks, ch)
	}
	c.mu.Unlock()

	for _, ch := range sinks {
		select {
		case ch <- outcome{err: err}:
		default:
		}
	}
}
