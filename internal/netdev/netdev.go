// Package netdev reads per-VF policy state from a physical function
// through the ip tool, so it works over any Runner (local or SSH).
package netdev

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jbweber/anvil/internal/run"
)

const defaultTimeout = 30 * time.Second

// VFDetail is one VF's observable policy state as reported by the
// kernel for its parent PF. The id is only stable until the PF's VF
// count changes; callers re-resolve by MAC or PCI address instead of
// holding on to it.
type VFDetail struct {
	ID       int
	MAC      string
	Spoofchk bool
	Trust    bool
}

// vf 0     link/ether 00:00:00:00:00:00 brd ff:ff:ff:ff:ff:ff, spoof checking on, link-state auto, trust off
var vfLineRe = regexp.MustCompile(`vf (\d+)\s+link/ether ([0-9a-fA-F:]{17}).*spoof checking (on|off).*trust (on|off)`)

// Client queries VF details through a Runner.
type Client struct {
	runner run.Runner
}

// New returns a Client backed by the given runner.
func New(r run.Runner) *Client {
	return &Client{runner: r}
}

// VFDetails lists the VFs of iface in ascending id order. A PF with
// zero VFs yields an empty slice, not an error.
func (c *Client) VFDetails(ctx context.Context, iface string) ([]VFDetail, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	res, err := c.runner.Run(ctx, fmt.Sprintf("ip link show dev %s", iface))
	if err != nil {
		return nil, fmt.Errorf("listing VF details for %s: %w", iface, err)
	}

	details := ParseVFDetails(res.Stdout)
	sort.Slice(details, func(i, j int) bool { return details[i].ID < details[j].ID })
	return details, nil
}

// ParseVFDetails extracts VF lines from ip link show output.
func ParseVFDetails(out string) []VFDetail {
	var details []VFDetail
	for _, line := range strings.Split(out, "\n") {
		m := vfLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		details = append(details, VFDetail{
			ID:       id,
			MAC:      strings.ToLower(m[2]),
			Spoofchk: m[3] == "on",
			Trust:    m[4] == "on",
		})
	}
	return details
}
