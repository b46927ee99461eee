// Package holepunch establishes direct UDP connectivity between two
// peers by simultaneous hole punching over the socket the STUN client
// discovered its reflexive address on.
package holepunch

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/saintparish4/vega/pkg/nat"
	"github.com/saintparish4/vega/pkg/netutil"
)

// Probe payloads. A peer answers every ping with a pong; receiving a
// pong means our own pings are getting through.
var (
	pingPacket = []byte("PING")
	pongPacket = []byte("PONG")
)

// Connection is a successfully punched P2P path.
type Connection struct {
	LocalAddr     *net.UDPAddr
	RemoteAddr    *net.UDPAddr
	Conn          *net.UDPConn
	RTT           time.Duration
	EstablishedAt time.Time
}

// String returns a human-readable representation of the connection.
func (c *Connection) String() string {
	return fmt.Sprintf("%s <-> %s (RTT: %v)", c.LocalAddr, c.RemoteAddr, c.RTT)
}

// Config holds configuration for a Puncher.
type Config struct {
	// Conn is the socket to punch on: the one whose reflexive mapping
	// the candidates describe. Required. The puncher takes over the
	// read side for the duration of Punch, so any Client sharing the
	// socket must be closed first.
	Conn *net.UDPConn

	// Timeout bounds the whole punch attempt.
	Timeout time.Duration

	// PingInterval is the delay between probe rounds.
	PingInterval time.Duration

	// MaxAttempts caps the number of probe rounds.
	MaxAttempts int
}

// DefaultConfig returns a configuration with sensible defaults; Conn
// must still be supplied.
func DefaultConfig() *Config {
	return &Config{
		Timeout:      30 * time.Second,
		PingInterval: 200 * time.Millisecond,
		MaxAttempts:  50,
	}
}

// Puncher performs UDP hole punching on a shared socket.
type Puncher struct {
	conn         *net.UDPConn
	timeout      time.Duration
	pingInterval time.Duration
	maxAttempts  int
}

// New creates a Puncher from cfg.
func New(cfg *Config) (*Puncher, error) {
	if cfg == nil || cfg.Conn == nil {
		return nil, fmt.Errorf("holepunch: a socket is required")
	}
	p := &Puncher{
		conn:         cfg.Conn,
		timeout:      cfg.Timeout,
		pingInterval: cfg.PingInterval,
		maxAttempts:  cfg.MaxAttempts,
	}
	if p.timeout <= 0 {
		p.timeout = 30 * time.Second
	}
	if p.pingInterval <= 0 {
		p.pingInterval = 200 * time.Millisecond
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 50
	}
	return p, nil
}

// Punch probes every candidate simultaneously until a candidate answers
// our ping and the peer's own ping has been answered, or the timeout
// elapses. Probing all candidates keeps working when the peer
// is on the same network (private candidates) as well as across NATs
// (reflexive candidates).
func (p *Puncher) Punch(candidates []*net.UDPAddr) (*Connection, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("holepunch: no candidates")
	}

	start := time.Now()
	deadline := start.Add(p.timeout)

	sendErr := make(chan error, 1)
	go func() {
		for attempt := 0; attempt < p.maxAttempts && time.Now().Before(deadline); attempt++ {
			for _, addr := range candidates {
				if _, err := p.conn.WriteToUDP(pingPacket, addr); err != nil {
					sendErr <- fmt.Errorf("send ping: %w", err)
					return
				}
			}
			time.Sleep(p.pingInterval)
		}
	}()

	p.conn.SetReadDeadline(deadline)
	defer p.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 1500)
	gotPing := false
	var pongFrom *net.UDPAddr
	var rtt time.Duration
	for {
		select {
		case err := <-sendErr:
			return nil, err
		default:
		}

		n, remoteAddr, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return nil, fmt.Errorf("holepunch: no peer answered within %v", p.timeout)
			}
			return nil, fmt.Errorf("holepunch: read: %w", err)
		}

		switch {
		case n >= 4 && string(buf[:4]) == "PING":
			// The peer punched through to us; answer so its punch
			// completes too.
			p.conn.WriteToUDP(pongPacket, remoteAddr)
			gotPing = true
		case n >= 4 && string(buf[:4]) == "PONG":
			if pongFrom == nil {
				pongFrom = remoteAddr
				rtt = time.Since(start)
			}
		}
		// Done once our pings get through and the peer's ping has been
		// answered, so both sides complete.
		if gotPing && pongFrom != nil {
			return &Connection{
				LocalAddr:     p.conn.LocalAddr().(*net.UDPAddr),
				RemoteAddr:    pongFrom,
				Conn:          p.conn,
				RTT:           rtt,
				EstablishedAt: time.Now(),
			}, nil
		}
	}
}

// Keepalive sends periodic pings to addr to hold the NAT mapping open.
// The returned stop function ends the loop.
func Keepalive(conn *net.UDPConn, addr *net.UDPAddr, interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				conn.WriteToUDP(pingPacket, addr)
			}
		}
	}()
	return func() { close(done) }
}

// CandidateEndpoints derives the endpoint candidates to advertise from
// a NAT behavior result, most-preferred first. For dependent mappings
// the next mapping the NAT will hand out is predicted by incrementing
// the last observed external port. Private interface addresses are
// appended so peers on the same network can connect directly.
func CandidateEndpoints(behavior *nat.BehaviorResult, localPort int) []string {
	var endpoints []string

	if behavior != nil && behavior.Mapping != nil {
		m := behavior.Mapping
		switch m.Type {
		case nat.MappingNoNAT, nat.MappingEndpointIndependent:
			if m.Test1Addr != nil {
				endpoints = append(endpoints, m.Test1Addr.String())
			}
		case nat.MappingAddressDependent:
			if m.Test2Addr != nil {
				endpoints = append(endpoints, predictNext(m.Test2Addr))
			}
		case nat.MappingAddressAndPortDependent:
			if m.Test3Addr != nil {
				endpoints = append(endpoints, predictNext(m.Test3Addr))
			}
		}
	}

	if localIPs, err := netutil.LocalAddresses(); err == nil {
		for _, ip := range localIPs {
			if netutil.IsPrivateIP(ip) {
				endpoints = append(endpoints, net.JoinHostPort(ip.String(), strconv.Itoa(localPort)))
			}
		}
	}

	return endpoints
}

func predictNext(addr *net.UDPAddr) string {
	next := &net.UDPAddr{IP: addr.IP, Port: addr.Port + 1}
	return next.String()
}

// ParseCandidates resolves "ip:port" candidate strings, skipping any
// that don't parse.
func ParseCandidates(endpoints []string) []*net.UDPAddr {
	var addrs []*net.UDPAddr
	for _, e := range endpoints {
		addr, err := net.ResolveUDPAddr("udp", e)
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs
}
