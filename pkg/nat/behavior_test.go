package nat

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saintparish4/vega/internal/stuntest"
	"github.com/saintparish4/vega/pkg/stun"
)

func newTestSetup(t *testing.T) (*stuntest.Server, *stun.Client) {
	t.Helper()
	server, err := stuntest.NewServer()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client, err := stun.NewClient("127.0.0.1:0", &stun.Config{RecvTimeout: 250 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return server, client
}

// mappedBy answers every request with a fixed reflexive address chosen
// by the socket the request arrived on.
func mappedBy(server *stuntest.Server, byLocal map[int]*net.UDPAddr) stuntest.Responder {
	return func(req stuntest.Request) *stun.Message {
		msg := server.Success(req)
		if mapped, ok := byLocal[req.Local.Port]; ok {
			msg.Set(stun.AttrXORMappedAddress, stun.XORAddressValue(mapped, req.Msg.Header.TransactionID))
		}
		return msg
	}
}

func TestMappingTypeString(t *testing.T) {
	tests := []struct {
		mapping  MappingType
		expected string
	}{
		{MappingNoNAT, "No NAT"},
		{MappingEndpointIndependent, "Endpoint Independent Mapping"},
		{MappingAddressDependent, "Address Dependent Mapping"},
		{MappingAddressAndPortDependent, "Address and Port Dependent Mapping"},
		{MappingUnknown, "Unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.mapping.String())
	}
}

func TestFilteringTypeString(t *testing.T) {
	tests := []struct {
		filtering FilteringType
		expected  string
	}{
		{FilteringEndpointIndependent, "Endpoint Independent Filtering"},
		{FilteringAddressDependent, "Address Dependent Filtering"},
		{FilteringAddressAndPortDependent, "Address and Port Dependent Filtering"},
		{FilteringUnknown, "Unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.filtering.String())
	}
}

func TestMappingNoNAT(t *testing.T) {
	// The default responder reflects the request source; on loopback
	// that address is one of our own interfaces.
	server, client := newTestSetup(t)

	result, err := CheckMappingBehavior(client, server.Addr().String())
	require.NoError(t, err)

	assert.Equal(t, MappingNoNAT, result.Type)
	require.NotNil(t, result.Test1Addr)
	assert.True(t, result.Test1Addr.IP.IsLoopback())
	assert.Nil(t, result.Test2Addr, "NoNAT must short-circuit before Test 2")
}

func TestMappingEndpointIndependent(t *testing.T) {
	server, client := newTestSetup(t)

	mapped := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 7000}
	server.SetResponder(mappedBy(server, map[int]*net.UDPAddr{
		server.Addr().Port:    mapped,
		server.AltAddr().Port: mapped,
	}))

	result, err := CheckMappingBehavior(client, server.Addr().String())
	require.NoError(t, err)

	assert.Equal(t, MappingEndpointIndependent, result.Type)
	assert.Equal(t, mapped.Port, result.Test1Addr.Port)
	assert.Equal(t, mapped.Port, result.Test2Addr.Port)
	assert.Nil(t, result.Test3Addr, "endpoint-independent must short-circuit before Test 3")
}

func TestMappingAddressDependent(t *testing.T) {
	server, client := newTestSetup(t)

	// Both sockets share the loopback IP, so Test 3's target (primary
	// IP, alternate port) is the alternate socket: a mapping that only
	// varies by destination address stays stable between Tests 2 and 3.
	ip := net.ParseIP("203.0.113.5")
	server.SetResponder(mappedBy(server, map[int]*net.UDPAddr{
		server.Addr().Port:    {IP: ip, Port: 7000},
		server.AltAddr().Port: {IP: ip, Port: 7001},
	}))

	result, err := CheckMappingBehavior(client, server.Addr().String())
	require.NoError(t, err)

	assert.Equal(t, MappingAddressDependent, result.Type)
	assert.Equal(t, 7001, result.Test2Addr.Port)
	assert.Equal(t, 7001, result.Test3Addr.Port)
}

func TestMappingAddressAndPortDependent(t *testing.T) {
	server, client := newTestSetup(t)

	// A fresh external port for every destination probed.
	var n atomic.Int32
	server.SetResponder(func(req stuntest.Request) *stun.Message {
		msg := server.Success(req)
		mapped := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 7000 + int(n.Add(1))}
		msg.Set(stun.AttrXORMappedAddress, stun.XORAddressValue(mapped, req.Msg.Header.TransactionID))
		return msg
	})

	result, err := CheckMappingBehavior(client, server.Addr().String())
	require.NoError(t, err)

	assert.Equal(t, MappingAddressAndPortDependent, result.Type)
	assert.NotNil(t, result.Test3Addr)
}

func TestMappingNotSupported(t *testing.T) {
	tests := []struct {
		name    string
		omit    stun.AttrType
		feature string
	}{
		{"no OTHER-ADDRESS", stun.AttrOtherAddress, "OTHER-ADDRESS"},
		{"no XOR-MAPPED-ADDRESS", stun.AttrXORMappedAddress, "XOR-MAPPED-ADDRESS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, client := newTestSetup(t)
			server.SetResponder(func(req stuntest.Request) *stun.Message {
				msg := server.Success(req)
				delete(msg.Attributes, tt.omit)
				return msg
			})

			_, err := CheckMappingBehavior(client, server.Addr().String())
			var notSupported *stun.NotSupportedError
			require.ErrorAs(t, err, &notSupported)
			assert.Equal(t, tt.feature, notSupported.Feature)
		})
	}
}

func TestFilteringEndpointIndependent(t *testing.T) {
	// The default responder answers CHANGE-REQUEST probes too.
	server, client := newTestSetup(t)

	result, err := CheckFilteringBehavior(client, server.Addr().String())
	require.NoError(t, err)

	assert.Equal(t, FilteringEndpointIndependent, result.Type)
	require.NotNil(t, result.Addr)
}

func TestFilteringAddressDependent(t *testing.T) {
	server, client := newTestSetup(t)

	// Requests asking for a response from a changed IP go unanswered;
	// changed-port-only requests still get through.
	server.SetResponder(func(req stuntest.Request) *stun.Message {
		if changeIP, _, ok := stuntest.HasChangeRequest(req.Msg); ok && changeIP {
			return nil
		}
		return server.Success(req)
	})

	result, err := CheckFilteringBehavior(client, server.Addr().String())
	require.NoError(t, err)

	assert.Equal(t, FilteringAddressDependent, result.Type)
}

func TestFilteringAddressAndPortDependent(t *testing.T) {
	server, client := newTestSetup(t)

	server.SetResponder(func(req stuntest.Request) *stun.Message {
		if _, _, ok := stuntest.HasChangeRequest(req.Msg); ok {
			return nil
		}
		return server.Success(req)
	})

	result, err := CheckFilteringBehavior(client, server.Addr().String())
	require.NoError(t, err)

	assert.Equal(t, FilteringAddressAndPortDependent, result.Type)
}

func TestFilteringNotSupported(t *testing.T) {
	server, client := newTestSetup(t)
	server.SetResponder(func(req stuntest.Request) *stun.Message {
		msg := server.Success(req)
		delete(msg.Attributes, stun.AttrXORMappedAddress)
		return msg
	})

	_, err := CheckFilteringBehavior(client, server.Addr().String())
	var notSupported *stun.NotSupportedError
	require.ErrorAs(t, err, &notSupported)
	assert.Equal(t, "XOR-MAPPED-ADDRESS", notSupported.Feature)
}

func TestDiscoverBehavior(t *testing.T) {
	server, client := newTestSetup(t)

	result, err := DiscoverBehavior(client, server.Addr().String())
	require.NoError(t, err)

	assert.Equal(t, FilteringEndpointIndependent, result.Filtering.Type)
	assert.Equal(t, MappingNoNAT, result.Mapping.Type)
}

func TestCheckMappingUsesSuppliedAddresses(t *testing.T) {
	server, client := newTestSetup(t)

	mapped := &net.UDPAddr{IP: net.ParseIP("198.51.100.23"), Port: 40000}
	server.SetResponder(mappedBy(server, map[int]*net.UDPAddr{
		server.Addr().Port:    mapped,
		server.AltAddr().Port: mapped,
	}))

	// With the reflexive address in the local list, the probe stops at
	// Test 1; without it, the same responder classifies as EIM.
	result, err := checkMapping(client, server.Addr().String(), []net.IP{mapped.IP})
	require.NoError(t, err)
	assert.Equal(t, MappingNoNAT, result.Type)

	result, err = checkMapping(client, server.Addr().String(), nil)
	require.NoError(t, err)
	assert.Equal(t, MappingEndpointIndependent, result.Type)
}
