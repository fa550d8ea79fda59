// Package naming derives VM names, MAC addresses and tap interface
// names from IP addresses, so a fleet provisioned from a network data
// table gets stable, collision-free identifiers.
package naming

import (
	"fmt"
	"net"
	"strings"
)

// ipv4Octets parses an IPv4 address, tolerating a CIDR suffix
// ("10.1.2.3" and "10.1.2.3/24" both work).
func ipv4Octets(ip string) (net.IP, error) {
	ipStr := ip
	if strings.Contains(ip, "/") {
		ipAddr, _, err := net.ParseCIDR(ip)
		if err != nil {
			return nil, fmt.Errorf("invalid IP/CIDR: %w", err)
		}
		ipStr = ipAddr.String()
	}

	parsedIP := net.ParseIP(ipStr)
	if parsedIP == nil {
		return nil, fmt.Errorf("invalid IP address: %s", ipStr)
	}

	ipv4 := parsedIP.To4()
	if ipv4 == nil {
		return nil, fmt.Errorf("not an IPv4 address: %s", ipStr)
	}
	return ipv4, nil
}

// NameFromIP derives a VM name from the host part of its management IP,
// zero-padded so names sort the way the addresses do.
//
// Example: IP 10.10.10.1, prefix "vm" → vm-010-001
func NameFromIP(ip, prefix string) (string, error) {
	ipv4, err := ipv4Octets(ip)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%03d-%03d", prefix, ipv4[2], ipv4[3]), nil
}

// MACFromIP calculates a deterministic MAC address from an IP address,
// under the locally administered be:ef: prefix.
//
// Example: IP 10.55.22.22 → MAC be:ef:0a:37:16:16
func MACFromIP(ip string) (string, error) {
	ipv4, err := ipv4Octets(ip)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("be:ef:%02x:%02x:%02x:%02x",
		ipv4[0], ipv4[1], ipv4[2], ipv4[3]), nil
}

// InterfaceNameFromIP calculates a deterministic tap interface name from
// an IP address: vm{hex octets}, 10 chars, within the kernel's 15-char
// interface name limit.
//
// Example: IP 10.55.22.22 → vm0a371616
func InterfaceNameFromIP(ip string) (string, error) {
	ipv4, err := ipv4Octets(ip)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("vm%02x%02x%02x%02x",
		ipv4[0], ipv4[1], ipv4[2], ipv4[3]), nil
}
