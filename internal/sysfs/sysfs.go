// Package sysfs drives the kernel's SR-IOV sysfs surface through a
// run.Runner, so the same operations work locally or on a remote
// hypervisor. Nothing is cached: every query re-reads kernel state,
// because VF counts and ids can change underneath this process at any
// time (host administration is concurrent by assumption).
package sysfs

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/anvil/internal/pci"
	"github.com/jbweber/anvil/internal/run"
)

const (
	netDevDir  = "/sys/class/net/%s/device"
	pciDevDir  = "/sys/bus/pci/devices/%s"
	mdevBusDir = "/sys/class/mdev_bus"
	mdevDevDir = "/sys/bus/mdev/devices"

	defaultTimeout = 30 * time.Second
	numVFsTimeout  = 60 * time.Second

	// VF symlink reads can race a concurrent count change; re-read a
	// few times before giving up.
	listRetries = 3
)

// VF creation happens in the background after the sriov_numvfs write;
// the count is polled until it settles. Variables so tests can shrink
// the schedule.
var (
	numVFsCheckAttempts = 5
	numVFsCheckInterval = 500 * time.Millisecond
)

// virtfn symlink line in a directory listing, e.g.
// "lrwxrwxrwx 1 root root 0 ... virtfn3 -> ../0000:18:10.4"
var virtfnRe = regexp.MustCompile(`virtfn(\d+) -> (?:\.\./)*(\S+)`)

// InterfaceNotFoundError reports a PF network interface name that does
// not exist on the host.
type InterfaceNotFoundError struct {
	Interface string
}

func (e *InterfaceNotFoundError) Error() string {
	return fmt.Sprintf("network interface %s not found on host", e.Interface)
}

// Client executes sysfs reads and writes through a Runner.
type Client struct {
	runner run.Runner
}

// New returns a sysfs client backed by the given runner.
func New(r run.Runner) *Client {
	return &Client{runner: r}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}

// VFAddresses reads the virtfn symlinks of a PF and returns the mapping
// of VF id to PCI address. The map is empty when the VF count is zero.
// Ids are reported exactly as the kernel exposes them; some drivers
// leave gaps, so ids are not necessarily contiguous.
func (c *Client) VFAddresses(ctx context.Context, pf string) (map[int]pci.Address, error) {
	ctx, cancel := withTimeout(ctx, defaultTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < listRetries; attempt++ {
		res, err := c.runner.Run(ctx, fmt.Sprintf("ls -la "+netDevDir+"/", pf))
		if err != nil {
			return nil, fmt.Errorf("failed to list VFs of %s: %w", pf, err)
		}

		addrs, err := parseVirtfnListing(res.Stdout)
		if err == nil {
			return addrs, nil
		}
		// A count change mid-listing leaves dangling entries; re-read.
		lastErr = err
		logrus.WithField("pf", pf).WithError(err).Debug("re-reading VF listing")
	}
	return nil, fmt.Errorf("failed to parse VF listing of %s: %w", pf, lastErr)
}

func parseVirtfnListing(out string) (map[int]pci.Address, error) {
	addrs := make(map[int]pci.Address)
	for _, line := range strings.Split(out, "\n") {
		m := virtfnRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("invalid VF id in %q: %w", line, err)
		}
		addr, err := pci.Parse(m[2])
		if err != nil {
			return nil, fmt.Errorf("invalid VF PCI address in %q: %w", line, err)
		}
		addrs[id] = addr
	}
	return addrs, nil
}

// VFAddressesByPCI is VFAddresses keyed by the PF's PCI address
// instead of its interface name.
func (c *Client) VFAddressesByPCI(ctx context.Context, addr pci.Address) (map[int]pci.Address, error) {
	ctx, cancel := withTimeout(ctx, defaultTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < listRetries; attempt++ {
		res, err := c.runner.Run(ctx, fmt.Sprintf("ls -la "+pciDevDir+"/", addr))
		if err != nil {
			return nil, fmt.Errorf("failed to list VFs of %s: %w", addr, err)
		}

		addrs, err := parseVirtfnListing(res.Stdout)
		if err == nil {
			return addrs, nil
		}
		lastErr = err
		logrus.WithField("pf", addr.String()).WithError(err).Debug("re-reading VF listing")
	}
	return nil, fmt.Errorf("failed to parse VF listing of %s: %w", addr, lastErr)
}

// VFIDs returns the VF ids of a PF in ascending order.
func (c *Client) VFIDs(ctx context.Context, pf string) ([]int, error) {
	addrs, err := c.VFAddresses(ctx, pf)
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(addrs))
	for id := range addrs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// NumVFs reads the currently configured VF count of a PF.
func (c *Client) NumVFs(ctx context.Context, pf string) (int, error) {
	return c.readInt(ctx, fmt.Sprintf("cat "+netDevDir+"/sriov_numvfs", pf))
}

// TotalVFs reads the maximum VF count the PF supports.
func (c *Client) TotalVFs(ctx context.Context, pf string) (int, error) {
	return c.readInt(ctx, fmt.Sprintf("cat "+netDevDir+"/sriov_totalvfs", pf))
}

// VFDeviceID reads the PCI device id the PF's VFs will carry, e.g.
// "154c". An id of "0" means the device exposes no VFs.
func (c *Client) VFDeviceID(ctx context.Context, pf string) (string, error) {
	ctx, cancel := withTimeout(ctx, defaultTimeout)
	defer cancel()

	res, err := c.runner.Run(ctx, fmt.Sprintf("cat "+netDevDir+"/sriov_vf_device", pf))
	if err != nil {
		return "", fmt.Errorf("failed to read VF device id of %s: %w", pf, err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (c *Client) readInt(ctx context.Context, line string) (int, error) {
	ctx, cancel := withTimeout(ctx, defaultTimeout)
	defer cancel()

	res, err := c.runner.Run(ctx, line)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return 0, fmt.Errorf("unexpected sysfs value %q: %w", strings.TrimSpace(res.Stdout), err)
	}
	return n, nil
}

// SetNumVFs sets the VF count of a PF and verifies the kernel actually
// created the requested number.
//
// The sriov_numvfs write is treated as asynchronous: after it returns,
// the virtfn listing is polled until it matches, because drivers create
// the VF devices in the background. A busy driver (count already set)
// is handled by resetting to zero first.
func (c *Client) SetNumVFs(ctx context.Context, pf string, n int) error {
	checkCtx, cancel := withTimeout(ctx, defaultTimeout)
	_, err := c.runner.Run(checkCtx, "ls /sys/class/net/"+pf)
	cancel()
	if err != nil {
		var cmdErr *run.CommandError
		if errors.As(err, &cmdErr) {
			return &InterfaceNotFoundError{Interface: pf}
		}
		return err
	}

	path := fmt.Sprintf(netDevDir+"/sriov_numvfs", pf)
	if err := c.writeNumVFs(ctx, path, n); err != nil {
		return err
	}
	return c.confirmNumVFs(ctx, func(ctx context.Context) (int, error) {
		return c.CheckNumVFs(ctx, pf)
	}, n)
}

// SetNumVFsByPCI sets the VF count of a PF addressed by its PCI address
// rather than a netdev name (some PFs are bound to vfio and expose no
// network interface).
func (c *Client) SetNumVFsByPCI(ctx context.Context, addr pci.Address, n int) error {
	path := fmt.Sprintf(pciDevDir+"/sriov_numvfs", addr)
	if err := c.writeNumVFs(ctx, path, n); err != nil {
		return err
	}
	return c.confirmNumVFs(ctx, func(ctx context.Context) (int, error) {
		return c.CheckNumVFsByPCI(ctx, addr)
	}, n)
}

func (c *Client) writeNumVFs(ctx context.Context, path string, n int) error {
	writeCtx, cancel := withTimeout(ctx, numVFsTimeout)
	defer cancel()

	line := fmt.Sprintf("echo %d > %s", n, path)
	res, err := c.runner.Run(writeCtx, line, 0, 1)
	if err != nil {
		return fmt.Errorf("failed to set VF count: %w", err)
	}

	if strings.Contains(res.Stderr, "Device or resource busy") {
		// The driver refuses count changes while VFs exist; drop to
		// zero and apply the requested count.
		logrus.WithField("path", path).Debug("VF count busy, resetting to 0 first")
		if _, err := c.runner.Run(writeCtx, fmt.Sprintf("echo 0 > %s", path), 0, 1); err != nil {
			return fmt.Errorf("failed to reset VF count: %w", err)
		}
		if _, err := c.runner.Run(writeCtx, line, 0, 1); err != nil {
			return fmt.Errorf("failed to set VF count: %w", err)
		}
	}
	return nil
}

func (c *Client) confirmNumVFs(ctx context.Context, check func(context.Context) (int, error), want int) error {
	var got int
	var err error
	for attempt := 0; attempt < numVFsCheckAttempts; attempt++ {
		got, err = check(ctx)
		if err != nil {
			return err
		}
		if got == want {
			return nil
		}
		time.Sleep(numVFsCheckInterval)
	}
	return fmt.Errorf("Mismatched count of expected and created VFs %d != %d", got, want)
}

// CheckNumVFs counts the virtfn entries of a PF. A missing glob (exit
// code 2, "No such file") means zero VFs.
func (c *Client) CheckNumVFs(ctx context.Context, pf string) (int, error) {
	return c.countVirtfns(ctx, fmt.Sprintf("ls "+netDevDir+"/virtfn*", pf))
}

// CheckNumVFsByPCI counts the virtfn entries of a PF addressed by PCI.
func (c *Client) CheckNumVFsByPCI(ctx context.Context, addr pci.Address) (int, error) {
	return c.countVirtfns(ctx, fmt.Sprintf("ls "+pciDevDir+"/virtfn*", addr))
}

func (c *Client) countVirtfns(ctx context.Context, line string) (int, error) {
	ctx, cancel := withTimeout(ctx, defaultTimeout)
	defer cancel()

	res, err := c.runner.Run(ctx, line, 0, 2)
	if err != nil {
		return 0, fmt.Errorf("failed to count VFs: %w", err)
	}
	if res.Code == 2 {
		if strings.Contains(res.Combined(), "No such file") {
			return 0, nil
		}
		return 0, &run.CommandError{Line: line, Stdout: res.Stdout, Stderr: res.Stderr, Code: res.Code}
	}

	count := 0
	for _, entry := range strings.Fields(res.Stdout) {
		if strings.Contains(entry, "virtfn") {
			count++
		}
	}
	return count, nil
}

// SetTrunk adds or removes a VLAN id on a VF's trunk filter
// (ice/i40e sriov sysfs extension).
func (c *Client) SetTrunk(ctx context.Context, pf string, vfID int, action string, vlan int) error {
	if action != "add" && action != "rem" {
		return fmt.Errorf("Unsupported action: %s, please use 'add' or 'rem'.", action)
	}

	ctx, cancel := withTimeout(ctx, defaultTimeout)
	defer cancel()

	line := fmt.Sprintf("echo %s %d > "+netDevDir+"/sriov/%d/trunk", action, vlan, pf, vfID)
	if _, err := c.runner.Run(ctx, line); err != nil {
		return fmt.Errorf("failed to %s VLAN %d on VF %d of %s: %w", action, vlan, vfID, pf, err)
	}
	return nil
}

// Trunk reads the current trunk VLAN set of a VF.
func (c *Client) Trunk(ctx context.Context, pf string, vfID int) (string, error) {
	ctx, cancel := withTimeout(ctx, defaultTimeout)
	defer cancel()

	res, err := c.runner.Run(ctx, fmt.Sprintf("cat "+netDevDir+"/sriov/%d/trunk", pf, vfID))
	if err != nil {
		return "", fmt.Errorf("failed to read trunk of VF %d on %s: %w", vfID, pf, err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// SetTPID sets the outer TPID used for VF VLAN filtering, e.g. "88a8".
func (c *Client) SetTPID(ctx context.Context, pf, tpid string) error {
	ctx, cancel := withTimeout(ctx, defaultTimeout)
	defer cancel()

	line := fmt.Sprintf("echo %s > "+netDevDir+"/sriov/tpid", tpid, pf)
	if _, err := c.runner.Run(ctx, line); err != nil {
		return fmt.Errorf("failed to set TPID on %s: %w", pf, err)
	}
	return nil
}

// TPID reads the configured outer TPID.
func (c *Client) TPID(ctx context.Context, pf string) (string, error) {
	ctx, cancel := withTimeout(ctx, defaultTimeout)
	defer cancel()

	res, err := c.runner.Run(ctx, fmt.Sprintf("cat "+netDevDir+"/sriov/tpid", pf))
	if err != nil {
		return "", fmt.Errorf("failed to read TPID of %s: %w", pf, err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// PFAddress resolves the PCI address of a PF network interface.
func (c *Client) PFAddress(ctx context.Context, pf string) (pci.Address, error) {
	ctx, cancel := withTimeout(ctx, defaultTimeout)
	defer cancel()

	res, err := c.runner.Run(ctx, fmt.Sprintf("readlink -f "+netDevDir, pf))
	if err != nil {
		return pci.Address{}, fmt.Errorf("failed to resolve PCI address of %s: %w", pf, err)
	}

	target := strings.TrimSpace(res.Stdout)
	base := target[strings.LastIndex(target, "/")+1:]
	addr, err := pci.Parse(base)
	if err != nil {
		return pci.Address{}, fmt.Errorf("unexpected device link target %q for %s: %w", target, pf, err)
	}
	return addr, nil
}
