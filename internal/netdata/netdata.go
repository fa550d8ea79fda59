// Package netdata loads the network data table used for VM
// provisioning: an INI-like file whose [kvm] section lists one
// "IP MAC" pair per line. Entries are handed out to new VMs, so the
// package can also probe which IPs are still unanswered on the wire.
package netdata

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/anvil/internal/run"
)

// PingInterval spaces out probes so a burst of VM creations does not
// flood the management network.
var PingInterval = 1 * time.Second

// Entry is one provisionable address pair from the [kvm] section.
type Entry struct {
	IP  string
	MAC string
}

// Parse extracts the [kvm] section entries from network data content.
//
// Lines outside the [kvm] section are ignored, as are blank lines and
// #/; comments. Each entry line is "IP MAC"; both fields are validated
// and the MAC is normalized to lower-case colon form. A config with no
// usable entries is an error.
func Parse(content string) ([]Entry, error) {
	if strings.TrimSpace(content) == "" {
		return nil, errors.New("network data config is empty")
	}

	var entries []Entry
	inKVM := false
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			inKVM = line == "[kvm]"
			continue
		}
		if !inKVM {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("malformed network data line: %q", line)
		}
		if net.ParseIP(fields[0]) == nil {
			return nil, fmt.Errorf("invalid IP in network data: %s", fields[0])
		}
		hw, err := net.ParseMAC(fields[1])
		if err != nil {
			return nil, fmt.Errorf("invalid MAC in network data: %w", err)
		}
		entries = append(entries, Entry{IP: fields[0], MAC: hw.String()})
	}

	if len(entries) == 0 {
		return nil, errors.New("no entries in [kvm] section of network data config")
	}
	return entries, nil
}

// LoadFromFile reads and parses a network data config file.
func LoadFromFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read network data config: %w", err)
	}
	return Parse(string(data))
}

// FreeEntries probes entries in order and returns the first count whose
// IPs do not answer a single ping (a non-zero ping exit means free).
// The probe runs through r so it observes the network from the
// hypervisor's point of view, not this process's.
//
// Fewer than count free entries is an error. Probing stops as soon as
// enough entries are collected.
func FreeEntries(ctx context.Context, r run.Runner, entries []Entry, count int) ([]Entry, error) {
	if len(entries) == 0 {
		return nil, errors.New("no network data entries provided")
	}

	var free []Entry
	for i, e := range entries {
		if i > 0 {
			time.Sleep(PingInterval)
		}

		_, err := r.Run(ctx, fmt.Sprintf("ping -c 1 %s", e.IP))
		if err == nil {
			logrus.Debugf("IP %s answered ping, already in use", e.IP)
			continue
		}
		var cmdErr *run.CommandError
		if !errors.As(err, &cmdErr) {
			return nil, err
		}

		logrus.Debugf("IP %s is free", e.IP)
		free = append(free, e)
		if len(free) == count {
			return free, nil
		}
	}

	return nil, fmt.Errorf("not enough free IPs in network data: wanted %d, found %d", count, len(free))
}

// FreeEntry returns the first entry whose IP does not answer ping.
func FreeEntry(ctx context.Context, r run.Runner, entries []Entry) (Entry, error) {
	free, err := FreeEntries(ctx, r, entries, 1)
	if err != nil {
		return Entry{}, err
	}
	return free[0], nil
}
