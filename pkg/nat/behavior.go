// Package nat classifies the local NAT's mapping and filtering
// behavior using the RFC 5780 probe sequences. The server used must
// support the OTHER-ADDRESS and CHANGE-REQUEST attributes.
package nat

import (
	"fmt"
	"net"

	"github.com/saintparish4/vega/pkg/netutil"
	"github.com/saintparish4/vega/pkg/stun"
)

// MappingType describes how the NAT reuses the external endpoint
// across different destinations.
type MappingType int

const (
	MappingUnknown MappingType = iota
	MappingNoNAT
	MappingEndpointIndependent
	MappingAddressDependent
	MappingAddressAndPortDependent
)

// String returns a human-readable name for the mapping type.
func (t MappingType) String() string {
	switch t {
	case MappingNoNAT:
		return "No NAT"
	case MappingEndpointIndependent:
		return "Endpoint Independent Mapping"
	case MappingAddressDependent:
		return "Address Dependent Mapping"
	case MappingAddressAndPortDependent:
		return "Address and Port Dependent Mapping"
	default:
		return "Unknown"
	}
}

// FilteringType describes which unsolicited sources the NAT admits
// once a mapping exists.
type FilteringType int

const (
	FilteringUnknown FilteringType = iota
	FilteringEndpointIndependent
	FilteringAddressDependent
	FilteringAddressAndPortDependent
)

// String returns a human-readable name for the filtering type.
func (t FilteringType) String() string {
	switch t {
	case FilteringEndpointIndependent:
		return "Endpoint Independent Filtering"
	case FilteringAddressDependent:
		return "Address Dependent Filtering"
	case FilteringAddressAndPortDependent:
		return "Address and Port Dependent Filtering"
	default:
		return "Unknown"
	}
}

// MappingResult is the outcome of CheckMappingBehavior, carrying the
// reflexive addresses observed by each probe that ran.
type MappingResult struct {
	Test1Addr *net.UDPAddr
	Test2Addr *net.UDPAddr
	Test3Addr *net.UDPAddr
	Type      MappingType
}

// FilteringResult is the outcome of CheckFilteringBehavior.
type FilteringResult struct {
	Addr *net.UDPAddr
	Type FilteringType
}

// BehaviorResult combines the two classifications.
type BehaviorResult struct {
	Mapping   *MappingResult
	Filtering *FilteringResult
}

// CheckMappingBehavior probes serverAddr to classify the NAT's mapping
// behavior.
//
// Test 1 obtains the reflexive address from the primary endpoint; if it
// matches a local interface address there is no NAT. Test 2 repeats
// against the OTHER-ADDRESS endpoint; an unchanged mapping is
// endpoint-independent. Test 3 repeats against the primary IP with the
// alternate port; an unchanged mapping relative to Test 2 is
// address-dependent, otherwise address-and-port-dependent.
func CheckMappingBehavior(client *stun.Client, serverAddr string) (*MappingResult, error) {
	localIPs, err := netutil.InterfaceAddresses()
	if err != nil {
		return nil, fmt.Errorf("gather local addresses: %w", err)
	}
	return checkMapping(client, serverAddr, localIPs)
}

func checkMapping(client *stun.Client, serverAddr string, localIPs []net.IP) (*MappingResult, error) {
	result := &MappingResult{Type: MappingUnknown}

	// Test 1
	t1, err := client.BindingRequest(serverAddr, nil)
	if err != nil {
		return nil, err
	}
	otherAddr, ok := t1.OtherAddress()
	if !ok {
		return nil, &stun.NotSupportedError{Feature: "OTHER-ADDRESS"}
	}
	t1Addr, ok := t1.XORMappedAddress()
	if !ok {
		return nil, &stun.NotSupportedError{Feature: "XOR-MAPPED-ADDRESS"}
	}
	result.Test1Addr = t1Addr
	if netutil.ContainsIP(localIPs, t1Addr.IP) {
		result.Type = MappingNoNAT
		return result, nil
	}

	// Test 2: alternate IP and port
	t2, err := client.BindingRequest(otherAddr.String(), nil)
	if err != nil {
		return nil, err
	}
	t2Addr, ok := t2.XORMappedAddress()
	if !ok {
		return nil, &stun.NotSupportedError{Feature: "XOR-MAPPED-ADDRESS"}
	}
	result.Test2Addr = t2Addr
	if sameAddr(t1Addr, t2Addr) {
		result.Type = MappingEndpointIndependent
		return result, nil
	}

	// Test 3: primary IP, alternate port
	primary, err := netutil.ResolveUDPAddr(serverAddr)
	if err != nil {
		return nil, &stun.IOError{Op: "resolve " + serverAddr, Err: err}
	}
	t3Target := &net.UDPAddr{IP: primary.IP, Port: otherAddr.Port}
	t3, err := client.BindingRequest(t3Target.String(), nil)
	if err != nil {
		return nil, err
	}
	t3Addr, ok := t3.XORMappedAddress()
	if !ok {
		return nil, &stun.NotSupportedError{Feature: "XOR-MAPPED-ADDRESS"}
	}
	result.Test3Addr = t3Addr
	if sameAddr(t2Addr, t3Addr) {
		result.Type = MappingAddressDependent
	} else {
		result.Type = MappingAddressAndPortDependent
	}
	return result, nil
}

// CheckFilteringBehavior probes serverAddr to classify the NAT's
// filtering behavior. A timeout on a CHANGE-REQUEST probe is the
// negative signal, not a failure; other errors propagate.
func CheckFilteringBehavior(client *stun.Client, serverAddr string) (*FilteringResult, error) {
	// Test 1
	t1, err := client.BindingRequest(serverAddr, nil)
	if err != nil {
		return nil, err
	}
	addr, ok := t1.XORMappedAddress()
	if !ok {
		return nil, &stun.NotSupportedError{Feature: "XOR-MAPPED-ADDRESS"}
	}
	result := &FilteringResult{Addr: addr}

	// Test 2: response must come from the alternate IP and port. If it
	// still arrives, nothing is filtered by endpoint.
	_, err = client.BindingRequest(serverAddr, map[stun.AttrType][]byte{
		stun.AttrChangeRequest: stun.ChangeRequestValue(true, true),
	})
	switch {
	case err == nil:
		result.Type = FilteringEndpointIndependent
		return result, nil
	case stun.IsTimeout(err):
		// fall through to Test 3
	default:
		return nil, err
	}

	// Test 3: response from the same IP, alternate port.
	_, err = client.BindingRequest(serverAddr, map[stun.AttrType][]byte{
		stun.AttrChangeRequest: stun.ChangeRequestValue(false, true),
	})
	switch {
	case err == nil:
		result.Type = FilteringAddressDependent
		return result, nil
	case stun.IsTimeout(err):
		result.Type = FilteringAddressAndPortDependent
		return result, nil
	default:
		return nil, err
	}
}

// DiscoverBehavior runs both classifications on one client. Filtering
// runs first: the mapping probes open mappings toward the alternate
// endpoint, and traffic admitted through those would misread the
// filter as endpoint-independent.
func DiscoverBehavior(client *stun.Client, serverAddr string) (*BehaviorResult, error) {
	filtering, err := CheckFilteringBehavior(client, serverAddr)
	if err != nil {
		return nil, err
	}
	mapping, err := CheckMappingBehavior(client, serverAddr)
	if err != nil {
		return nil, err
	}
	return &BehaviorResult{Mapping: mapping, Filtering: filtering}, nil
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
