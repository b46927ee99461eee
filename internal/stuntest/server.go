// Package stuntest provides an in-process scriptable STUN server for
// exercising the client and the NAT behavior probes on loopback. It
// answers Binding requests with a success response reflecting the
// request's source address; tests override the responder to simulate
// specific NAT and server behaviors.
package stuntest

import (
	"net"
	"sync"

	"github.com/saintparish4/vega/pkg/stun"
)

// Request is one Binding request as seen by the server.
type Request struct {
	Msg   *stun.Message
	From  *net.UDPAddr
	Local *net.UDPAddr // socket the request arrived on
}

// Responder maps a request to its response. Returning nil drops the
// request (the client sees a timeout).
type Responder func(req Request) *stun.Message

// Server is a two-socket loopback STUN server: a primary endpoint and
// an alternate endpoint on a different port, advertised via
// OTHER-ADDRESS.
type Server struct {
	primary   *net.UDPConn
	alternate *net.UDPConn

	mu      sync.Mutex
	respond Responder

	wg sync.WaitGroup
}

// NewServer binds the two loopback sockets and starts serving with the
// default responder (Success).
func NewServer() (*Server, error) {
	primary, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, err
	}
	alternate, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		primary.Close()
		return nil, err
	}

	s := &Server{primary: primary, alternate: alternate}
	s.respond = s.Success

	s.wg.Add(2)
	go s.serve(primary)
	go s.serve(alternate)
	return s, nil
}

// Addr returns the primary endpoint.
func (s *Server) Addr() *net.UDPAddr {
	return s.primary.LocalAddr().(*net.UDPAddr)
}

// AltAddr returns the alternate endpoint.
func (s *Server) AltAddr() *net.UDPAddr {
	return s.alternate.LocalAddr().(*net.UDPAddr)
}

// SetResponder replaces the responder for subsequent requests.
func (s *Server) SetResponder(r Responder) {
	s.mu.Lock()
	s.respond = r
	s.mu.Unlock()
}

// Success is the default responder: a success response carrying the
// request source as XOR-MAPPED-ADDRESS, the alternate endpoint as
// OTHER-ADDRESS, and the receiving socket as RESPONSE-ORIGIN.
func (s *Server) Success(req Request) *stun.Message {
	msg := &stun.Message{
		Header: stun.Header{
			Method:        stun.MethodBinding,
			Class:         stun.ClassSuccessResponse,
			TransactionID: req.Msg.Header.TransactionID,
		},
	}
	msg.Set(stun.AttrXORMappedAddress, stun.XORAddressValue(req.From, req.Msg.Header.TransactionID))
	msg.Set(stun.AttrOtherAddress, stun.AddressValue(s.AltAddr()))
	msg.Set(stun.AttrResponseOrigin, stun.AddressValue(req.Local))
	return msg
}

// SendRaw sends arbitrary bytes from the primary socket, for feeding
// the client garbage or unsolicited datagrams.
func (s *Server) SendRaw(to *net.UDPAddr, data []byte) error {
	_, err := s.primary.WriteToUDP(data, to)
	return err
}

// Close shuts both sockets down and waits for the serve loops.
func (s *Server) Close() {
	s.primary.Close()
	s.alternate.Close()
	s.wg.Wait()
}

func (s *Server) serve(conn *net.UDPConn) {
	defer s.wg.Done()

	local := conn.LocalAddr().(*net.UDPAddr)
	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		msg, err := stun.Decode(buf[:n])
		if err != nil {
			continue
		}

		s.mu.Lock()
		respond := s.respond
		s.mu.Unlock()

		resp := respond(Request{Msg: msg, From: from, Local: local})
		if resp == nil {
			continue
		}
		conn.WriteToUDP(resp.Encode(), from)
	}
}

// HasChangeRequest reports whether the request carries a CHANGE-REQUEST
// attribute, and which flags it sets.
func HasChangeRequest(msg *stun.Message) (changeIP, changePort, present bool) {
	v, ok := msg.Get(stun.AttrChangeRequest)
	if !ok || len(v) != 4 {
		return false, false, false
	}
	return v[3]&0x04 != 0, v[3]&0x02 != 0, true
}
