package stun

import (
	"encoding/binary"
	"fmt"
	"net"
	"unicode/utf8"
)

// Address families used in (XOR-)MAPPED-ADDRESS style attributes.
const (
	FamilyIPv4 byte = 0x01
	FamilyIPv6 byte = 0x02
)

// CHANGE-REQUEST flag bits.
const (
	changeIPFlag   uint32 = 0x04
	changePortFlag uint32 = 0x02
)

// substituted for an ERROR-CODE reason phrase that is not valid UTF-8
const invalidReason = "(invalid utf-8 reason)"

// XORMappedAddress returns the decoded XOR-MAPPED-ADDRESS of the
// message, or false if the attribute is absent or malformed.
func (m *Message) XORMappedAddress() (*net.UDPAddr, bool) {
	v, ok := m.Get(AttrXORMappedAddress)
	if !ok {
		return nil, false
	}
	addr, err := DecodeXORAddressValue(v, m.Header.TransactionID)
	if err != nil {
		return nil, false
	}
	return addr, true
}

// MappedAddress returns the decoded MAPPED-ADDRESS of the message, or
// false if the attribute is absent or malformed.
func (m *Message) MappedAddress() (*net.UDPAddr, bool) {
	return m.plainAddress(AttrMappedAddress)
}

// OtherAddress returns the decoded OTHER-ADDRESS of the message, or
// false if the attribute is absent or malformed.
func (m *Message) OtherAddress() (*net.UDPAddr, bool) {
	return m.plainAddress(AttrOtherAddress)
}

// ResponseOrigin returns the decoded RESPONSE-ORIGIN of the message, or
// false if the attribute is absent or malformed.
func (m *Message) ResponseOrigin() (*net.UDPAddr, bool) {
	return m.plainAddress(AttrResponseOrigin)
}

func (m *Message) plainAddress(t AttrType) (*net.UDPAddr, bool) {
	v, ok := m.Get(t)
	if !ok {
		return nil, false
	}
	addr, err := DecodeAddressValue(v)
	if err != nil {
		return nil, false
	}
	return addr, true
}

// Software returns the SOFTWARE attribute as a string.
func (m *Message) Software() (string, bool) {
	v, ok := m.Get(AttrSoftware)
	if !ok {
		return "", false
	}
	return string(v), true
}

// DecodeAddressValue decodes a MAPPED-ADDRESS style attribute value:
// one reserved byte, one family byte, a 2-byte port, and a 4- or
// 16-byte address.
func DecodeAddressValue(value []byte) (*net.UDPAddr, error) {
	if len(value) < 8 {
		return nil, fmt.Errorf("%w: address value too short (%d bytes)", ErrParse, len(value))
	}

	family := value[1]
	port := binary.BigEndian.Uint16(value[2:4])

	var ip net.IP
	switch family {
	case FamilyIPv4:
		ip = make(net.IP, 4)
		copy(ip, value[4:8])
	case FamilyIPv6:
		if len(value) < 20 {
			return nil, fmt.Errorf("%w: IPv6 address value too short (%d bytes)", ErrParse, len(value))
		}
		ip = make(net.IP, 16)
		copy(ip, value[4:20])
	default:
		return nil, fmt.Errorf("%w: unsupported address family 0x%02x", ErrParse, family)
	}

	return &net.UDPAddr{IP: ip, Port: int(port)}, nil
}

// DecodeXORAddressValue decodes an XOR-MAPPED-ADDRESS attribute value.
// The port is XOR'd with the high 16 bits of the magic cookie; the
// address is XOR'd with the magic cookie (IPv4) or with the magic
// cookie concatenated with the transaction ID (IPv6), so the enclosing
// message's transaction ID is required.
func DecodeXORAddressValue(value []byte, id TransactionID) (*net.UDPAddr, error) {
	addr, err := DecodeAddressValue(value)
	if err != nil {
		return nil, err
	}

	addr.Port = int(uint16(addr.Port) ^ uint16(MagicCookie>>16))
	key := xorKey(len(addr.IP), id)
	for i := range addr.IP {
		addr.IP[i] ^= key[i]
	}
	return addr, nil
}

// XORAddressValue encodes addr as an XOR-MAPPED-ADDRESS attribute
// value for a message with the given transaction ID.
func XORAddressValue(addr *net.UDPAddr, id TransactionID) []byte {
	value := AddressValue(addr)
	binary.BigEndian.PutUint16(value[2:4], uint16(addr.Port)^uint16(MagicCookie>>16))
	key := xorKey(len(value)-4, id)
	for i := range value[4:] {
		value[4+i] ^= key[i]
	}
	return value
}

// AddressValue encodes addr as a MAPPED-ADDRESS style attribute value.
func AddressValue(addr *net.UDPAddr) []byte {
	if ip := addr.IP.To4(); ip != nil {
		value := make([]byte, 8)
		value[1] = FamilyIPv4
		binary.BigEndian.PutUint16(value[2:4], uint16(addr.Port))
		copy(value[4:8], ip)
		return value
	}
	value := make([]byte, 20)
	value[1] = FamilyIPv6
	binary.BigEndian.PutUint16(value[2:4], uint16(addr.Port))
	copy(value[4:20], addr.IP.To16())
	return value
}

func xorKey(n int, id TransactionID) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint32(key[0:4], MagicCookie)
	copy(key[4:16], id[:])
	return key[:n]
}

// ChangeRequestValue encodes a CHANGE-REQUEST attribute value asking
// the server to reply from a different source IP and/or port.
func ChangeRequestValue(changeIP, changePort bool) []byte {
	var flags uint32
	if changeIP {
		flags |= changeIPFlag
	}
	if changePort {
		flags |= changePortFlag
	}
	value := make([]byte, 4)
	binary.BigEndian.PutUint32(value, flags)
	return value
}

// ErrorCode is a decoded ERROR-CODE attribute.
type ErrorCode struct {
	Code   int
	Reason string
}

// Error code values with defined semantics; anything else is reported
// verbatim by String.
const (
	CodeTryAlternate     = 300
	CodeBadRequest       = 400
	CodeUnauthorized     = 401
	CodeUnknownAttribute = 420
	CodeStaleNonce       = 438
	CodeServerError      = 500
)

// String returns the code's standard name, or the code with its reason
// phrase for codes without one.
func (e ErrorCode) String() string {
	switch e.Code {
	case CodeTryAlternate:
		return "Try Alternate"
	case CodeBadRequest:
		return "Bad Request"
	case CodeUnauthorized:
		return "Unauthorized"
	case CodeUnknownAttribute:
		return "Unknown Attribute"
	case CodeStaleNonce:
		return "Stale Nonce"
	case CodeServerError:
		return "Server Error"
	default:
		return fmt.Sprintf("Unknown (%d: %s)", e.Code, e.Reason)
	}
}

// ErrorCode returns the decoded ERROR-CODE attribute of the message, or
// false if absent or malformed. A reason phrase that is not valid UTF-8
// does not fail decoding; a sentinel reason is substituted.
func (m *Message) ErrorCode() (ErrorCode, bool) {
	v, ok := m.Get(AttrErrorCode)
	if !ok || len(v) < 4 {
		return ErrorCode{}, false
	}
	class := int(v[2] & 0x07)
	number := int(v[3])
	reason := string(v[4:])
	if !utf8.ValidString(reason) {
		reason = invalidReason
	}
	return ErrorCode{Code: class*100 + number, Reason: reason}, true
}

// ErrorCodeValue encodes an ERROR-CODE attribute value.
func ErrorCodeValue(code int, reason string) []byte {
	value := make([]byte, 4+len(reason))
	value[2] = byte(code / 100)
	value[3] = byte(code % 100)
	copy(value[4:], reason)
	return value
}
