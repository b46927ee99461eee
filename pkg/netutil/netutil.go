// Package netutil provides the local-interface helpers the NAT checks
// and hole punching need: interface address enumeration and address
// classification.
package netutil

import (
	"fmt"
	"net"
)

// InterfaceAddresses returns the addresses of all interfaces that are
// up, loopback included. The NoNAT check compares the reflexive address
// against this list.
func InterfaceAddresses() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list network interfaces: %w", err)
	}

	var addresses []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil {
				addresses = append(addresses, ip)
			}
		}
	}

	return addresses, nil
}

// LocalAddresses returns all non-loopback addresses of up interfaces.
func LocalAddresses() ([]net.IP, error) {
	all, err := InterfaceAddresses()
	if err != nil {
		return nil, err
	}

	var local []net.IP
	for _, ip := range all {
		if !ip.IsLoopback() {
			local = append(local, ip)
		}
	}
	return local, nil
}

// ContainsIP reports whether ip equals any address in the list.
func ContainsIP(addrs []net.IP, ip net.IP) bool {
	for _, a := range addrs {
		if a.Equal(ip) {
			return true
		}
	}
	return false
}

// IsPrivateIP checks if an IP address is in a private range.
func IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}

	if ip4 := ip.To4(); ip4 != nil {
		// 10.0.0.0/8
		if ip4[0] == 10 {
			return true
		}
		// 172.16.0.0/12
		if ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31 {
			return true
		}
		// 192.168.0.0/16
		if ip4[0] == 192 && ip4[1] == 168 {
			return true
		}
		// 169.254.0.0/16 (link-local)
		if ip4[0] == 169 && ip4[1] == 254 {
			return true
		}
		return false
	}

	// fc00::/7 (unique local addresses)
	if len(ip) == net.IPv6len && ip[0] >= 0xfc && ip[0] <= 0xfd {
		return true
	}
	// fe80::/10 (link-local)
	if len(ip) == net.IPv6len && ip[0] == 0xfe && ip[1] >= 0x80 && ip[1] <= 0xbf {
		return true
	}

	return false
}

// IsPublicIP checks if an IP address is routable on the public internet.
func IsPublicIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	return !IsPrivateIP(ip)
}

// ResolveUDPAddr resolves a UDP address and requires a concrete IP.
func ResolveUDPAddr(addr string) (*net.UDPAddr, error) {
	resolved, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve UDP address %q: %w", addr, err)
	}
	if resolved.IP == nil {
		return nil, fmt.Errorf("resolved address has no IP: %s", addr)
	}
	return resolved, nil
}
