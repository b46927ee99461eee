// Package stun implements a STUN (RFC 8489) message codec and an
// asynchronous UDP client that multiplexes concurrent transactions on a
// single socket. It also carries the RFC 5780 attributes (OTHER-ADDRESS,
// CHANGE-REQUEST, RESPONSE-ORIGIN) needed for NAT behavior discovery.
package stun

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Method is a STUN method, stored in the method bit positions of the
// message type field.
type Method uint16

const (
	// MethodBinding asks the server to report the source address it
	// observes for the request.
	MethodBinding Method = 0x0001
)

// Class is a STUN message class, stored in the class bit positions of
// the message type field.
type Class uint16

const (
	ClassRequest         Class = 0x0000
	ClassIndication      Class = 0x0010
	ClassSuccessResponse Class = 0x0100
	ClassErrorResponse   Class = 0x0110
)

// AttrType identifies a STUN attribute.
type AttrType uint16

const (
	AttrMappedAddress    AttrType = 0x0001 // MAPPED-ADDRESS
	AttrChangeRequest    AttrType = 0x0003 // CHANGE-REQUEST (RFC 5780)
	AttrErrorCode        AttrType = 0x0009 // ERROR-CODE
	AttrXORMappedAddress AttrType = 0x0020 // XOR-MAPPED-ADDRESS
	AttrSoftware         AttrType = 0x8022 // SOFTWARE
	AttrResponseOrigin   AttrType = 0x802b // RESPONSE-ORIGIN (RFC 5780)
	AttrOtherAddress     AttrType = 0x802c // OTHER-ADDRESS (RFC 5780)
)

const (
	// MagicCookie is the fixed value carried in every STUN header.
	MagicCookie uint32 = 0x2112A442

	// HeaderSize is the size of the STUN message header in bytes.
	HeaderSize = 20

	// TransactionIDSize is the size of a transaction ID in bytes.
	TransactionIDSize = 12

	// Bit masks splitting the 16-bit message type field. The class
	// occupies bits 8 and 4; the method occupies the remaining low 14
	// bit positions.
	classMask  uint16 = 0x0110
	methodMask uint16 = 0x3EEF
)

// TransactionID is the 96-bit identifier correlating a request with its
// response.
type TransactionID [TransactionIDSize]byte

// NewTransactionID returns a uniformly random transaction ID.
func NewTransactionID() (TransactionID, error) {
	var id TransactionID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("generate transaction ID: %w", err)
	}
	return id, nil
}

// Header is the fixed 20-byte STUN message header.
type Header struct {
	Method        Method
	Class         Class
	Length        uint16
	TransactionID TransactionID
}

// Message is a STUN message: a header plus a mapping from attribute
// type to raw value bytes. Attribute order is not significant; unknown
// attribute types are preserved round-trip keyed by their numeric code.
type Message struct {
	Header     Header
	Attributes map[AttrType][]byte
}

// NewMessage builds a message with a fresh random transaction ID. attrs
// may be nil.
func NewMessage(method Method, class Class, attrs map[AttrType][]byte) (*Message, error) {
	id, err := NewTransactionID()
	if err != nil {
		return nil, err
	}
	if attrs == nil {
		attrs = make(map[AttrType][]byte)
	}
	return &Message{
		Header: Header{
			Method:        method,
			Class:         class,
			Length:        attrsLength(attrs),
			TransactionID: id,
		},
		Attributes: attrs,
	}, nil
}

// attrsLength is the attribute section size recorded in the header:
// 4 bytes of TLV header plus the unpadded value size per attribute.
func attrsLength(attrs map[AttrType][]byte) uint16 {
	n := 0
	for _, v := range attrs {
		n += 4 + len(v)
	}
	return uint16(n)
}

// Get returns the raw value of the given attribute.
func (m *Message) Get(t AttrType) ([]byte, bool) {
	v, ok := m.Attributes[t]
	return v, ok
}

// Set stores the raw value of the given attribute, replacing any
// previous value, and keeps the header length in sync.
func (m *Message) Set(t AttrType, value []byte) {
	if m.Attributes == nil {
		m.Attributes = make(map[AttrType][]byte)
	}
	m.Attributes[t] = value
	m.Header.Length = attrsLength(m.Attributes)
}

// Encode serializes the message to wire format. Each attribute value is
// zero-padded to a 4-byte boundary on the wire; the header length field
// counts only the unpadded sizes.
func (m *Message) Encode() []byte {
	wireLen := 0
	for _, v := range m.Attributes {
		wireLen += 4 + len(v)
		if pad := len(v) % 4; pad != 0 {
			wireLen += 4 - pad
		}
	}

	buf := make([]byte, HeaderSize+wireLen)
	messageType := uint16(m.Header.Class) | uint16(m.Header.Method)&methodMask
	binary.BigEndian.PutUint16(buf[0:2], messageType)
	binary.BigEndian.PutUint16(buf[2:4], attrsLength(m.Attributes))
	binary.BigEndian.PutUint32(buf[4:8], MagicCookie)
	copy(buf[8:20], m.Header.TransactionID[:])

	offset := HeaderSize
	for t, v := range m.Attributes {
		binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(t))
		binary.BigEndian.PutUint16(buf[offset+2:offset+4], uint16(len(v)))
		copy(buf[offset+4:], v)
		offset += 4 + len(v)
		if pad := len(v) % 4; pad != 0 {
			offset += 4 - pad
		}
	}

	return buf
}

// Decode parses a datagram as a STUN message. Attributes are parsed
// until the buffer is exhausted; truncated attribute headers or values
// yield ErrParse.
func Decode(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: message too short (%d bytes)", ErrParse, len(data))
	}

	messageType := binary.BigEndian.Uint16(data[0:2])
	hdr := Header{
		Method: Method(messageType & methodMask),
		Class:  Class(messageType & classMask),
		Length: binary.BigEndian.Uint16(data[2:4]),
	}
	copy(hdr.TransactionID[:], data[8:20])

	attrs := make(map[AttrType][]byte)
	buf := data[HeaderSize:]
	offset := 0
	for offset < len(buf) {
		if len(buf)-offset < 4 {
			return nil, fmt.Errorf("%w: truncated attribute header at offset %d", ErrParse, offset)
		}
		t := AttrType(binary.BigEndian.Uint16(buf[offset : offset+2]))
		length := int(binary.BigEndian.Uint16(buf[offset+2 : offset+4]))
		offset += 4
		if len(buf)-offset < length {
			return nil, fmt.Errorf("%w: attribute 0x%04x claims %d bytes, %d remain", ErrParse, uint16(t), length, len(buf)-offset)
		}
		value := make([]byte, length)
		copy(value, buf[offset:offset+length])
		attrs[t] = value
		offset += length
		// Skip the on-wire pad to the next 4-byte boundary. A sender
		// that omits the trailing pad is still accepted.
		if pad := length % 4; pad != 0 {
			offset += 4 - pad
			if offset > len(buf) {
				offset = len(buf)
			}
		}
	}

	return &Message{Header: hdr, Attributes: attrs}, nil
}

// String returns a human-readable name for the method.
func (m Method) String() string {
	switch m {
	case MethodBinding:
		return "Binding"
	default:
		return fmt.Sprintf("Unknown (0x%04X)", uint16(m))
	}
}

// String returns a human-readable name for the class.
func (c Class) String() string {
	switch c {
	case ClassRequest:
		return "Request"
	case ClassIndication:
		return "Indication"
	case ClassSuccessResponse:
		return "Success Response"
	case ClassErrorResponse:
		return "Error Response"
	default:
		return fmt.Sprintf("Unknown (0x%04X)", uint16(c))
	}
}

// String returns a human-readable name for the attribute type.
func (t AttrType) String() string {
	switch t {
	case AttrMappedAddress:
		return "MAPPED-ADDRESS"
	case AttrChangeRequest:
		return "CHANGE-REQUEST"
	case AttrErrorCode:
		return "ERROR-CODE"
	case AttrXORMappedAddress:
		return "XOR-MAPPED-ADDRESS"
	case AttrSoftware:
		return "SOFTWARE"
	case AttrResponseOrigin:
		return "RESPONSE-ORIGIN"
	case AttrOtherAddress:
		return "OTHER-ADDRESS"
	default:
		return fmt.Sprintf("Unknown (0x%04X)", uint16(t))
	}
}
