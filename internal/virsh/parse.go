package virsh

import (
	"errors"
	"net"
	"regexp"
	"strings"
)

var macRe = regexp.MustCompile(`(?i)^([0-9a-f]{2}:){5}[0-9a-f]{2}$`)

// VMRecord is one row of the virsh list table.
type VMRecord struct {
	ID    string
	Name  string
	State string
}

func trimOutput(s string) string {
	return strings.TrimSpace(s)
}

// tableRows returns the data rows of a virsh table, skipping everything
// up to and including the dashed separator under the header. Output
// without a separator yields no rows.
func tableRows(s string) []string {
	var rows []string
	seen := false
	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(line)
		if !seen {
			if strings.HasPrefix(trimmed, "---") {
				seen = true
			}
			continue
		}
		if trimmed == "" {
			continue
		}
		rows = append(rows, trimmed)
	}
	return rows
}

// parseKVTable parses "Key:  value" output such as dominfo into a map.
func parseKVTable(s string) map[string]string {
	out := map[string]string{}
	for _, line := range strings.Split(s, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out
}

// parseVMTable parses virsh list output. The state column may contain
// spaces ("shut off"), so only the first two columns split on fields.
func parseVMTable(s string) []VMRecord {
	var vms []VMRecord
	for _, row := range tableRows(s) {
		fields := strings.Fields(row)
		if len(fields) < 3 {
			continue
		}
		vms = append(vms, VMRecord{
			ID:    fields[0],
			Name:  fields[1],
			State: strings.Join(fields[2:], " "),
		})
	}
	return vms
}

// parseMgmtMAC returns the MAC of the first interface row in domiflist
// output. VMs built here get their management interface first.
func parseMgmtMAC(s string) (string, error) {
	for _, row := range tableRows(s) {
		fields := strings.Fields(row)
		if len(fields) == 0 {
			continue
		}
		last := fields[len(fields)-1]
		if macRe.MatchString(last) {
			return strings.ToLower(last), nil
		}
	}
	return "", errors.New("no interface with a MAC address listed")
}

// parseNetNames returns the network names from net-list output.
func parseNetNames(s string) []string {
	var names []string
	for _, row := range tableRows(s) {
		fields := strings.Fields(row)
		if len(fields) == 0 {
			continue
		}
		names = append(names, fields[0])
	}
	return names
}

// IPv4FromDomIfAddr finds the IPv4 address reported for a MAC in
// domifaddr output. Extra addresses of the same interface continue on
// rows whose name and MAC columns hold "-"; those belong to the most
// recent real row.
func IPv4FromDomIfAddr(output, mac string) (string, bool) {
	matched := false
	for _, row := range tableRows(output) {
		fields := strings.Fields(row)
		if len(fields) < 4 {
			continue
		}
		name, rowMAC, proto, addr := fields[0], fields[1], fields[2], fields[3]
		if name != "-" || rowMAC != "-" {
			matched = strings.EqualFold(rowMAC, mac)
		}
		if !matched || !strings.EqualFold(proto, "ipv4") {
			continue
		}
		if ip := ipv4Addr(addr); ip != "" {
			return ip, true
		}
	}
	return "", false
}

// IPv4FromLeases finds the IPv4 address leased to a MAC in
// net-dhcp-leases output.
func IPv4FromLeases(output, mac string) (string, bool) {
	for _, row := range tableRows(output) {
		fields := strings.Fields(row)
		for i, f := range fields {
			if !strings.EqualFold(f, mac) {
				continue
			}
			for _, rest := range fields[i+1:] {
				if ip := ipv4Addr(rest); ip != "" {
					return ip, true
				}
			}
		}
	}
	return "", false
}

// ipv4Addr strips an optional CIDR suffix and reports the address if it
// is a well-formed IPv4 one.
func ipv4Addr(field string) string {
	addr, _, _ := strings.Cut(field, "/")
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() == nil {
		return ""
	}
	return addr
}
