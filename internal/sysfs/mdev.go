package sysfs

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/anvil/internal/pci"
)

var (
	mdevNameRe = regexp.MustCompile(`^[0-9a-fA-F][0-9a-fA-F-]*$`)
	fullBDFRe  = regexp.MustCompile(`[0-9a-fA-F]{4}:[0-9a-fA-F]{2}:[0-9a-fA-F]{2}\.[0-9a-fA-F]{1,2}`)
)

// CreateMdev creates a mediated device of mdevType under the given
// parent PCI device, identified by the caller-chosen uuid.
//
// The create node only accepts the uuid via a write; tee is used so the
// uuid echoes back on stdout, which doubles as the success check (the
// write itself reports 0 even when the kernel rejects the uuid).
func (c *Client) CreateMdev(ctx context.Context, uuid string, parent pci.Address, mdevType string) error {
	ctx, cancel := withTimeout(ctx, defaultTimeout)
	defer cancel()

	line := fmt.Sprintf(`echo "%s" | tee %s/%s/mdev_supported_types/%s/create`,
		uuid, mdevBusDir, parent.SysfsEscaped(), mdevType)
	res, err := c.runner.Run(ctx, line)
	if err != nil {
		return fmt.Errorf("failed to create mdev %s on %s: %w", uuid, parent, err)
	}
	if !strings.Contains(res.Stdout, uuid) {
		return fmt.Errorf("%s not found in cmd output: %s", uuid, res.Stdout)
	}

	logrus.WithFields(logrus.Fields{
		"uuid":   uuid,
		"parent": parent.String(),
		"type":   mdevType,
	}).Debug("mdev created")
	return nil
}

// DestroyMdev removes a mediated device by uuid.
func (c *Client) DestroyMdev(ctx context.Context, uuid string) error {
	ctx, cancel := withTimeout(ctx, defaultTimeout)
	defer cancel()

	line := fmt.Sprintf("echo 1 > %s/%s/remove", mdevDevDir, uuid)
	if _, err := c.runner.Run(ctx, line); err != nil {
		return fmt.Errorf("failed to destroy mdev %s: %w", uuid, err)
	}
	logrus.WithField("uuid", uuid).Debug("mdev destroyed")
	return nil
}

// MdevUUIDs lists the uuids of all mediated devices on the host.
func (c *Client) MdevUUIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := withTimeout(ctx, defaultTimeout)
	defer cancel()

	res, err := c.runner.Run(ctx, "ls "+mdevDevDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list mdev devices: %w", err)
	}

	var uuids []string
	for _, name := range strings.Fields(res.Stdout) {
		if mdevNameRe.MatchString(name) {
			uuids = append(uuids, name)
		}
	}
	if len(uuids) == 0 {
		return nil, fmt.Errorf("MDEV UUIDs not found!: %s", res.Stdout)
	}
	return uuids, nil
}

// MdevParentPCI resolves the PCI address of the physical device a
// mediated device was created on. The device node is a symlink into the
// parent's sysfs subtree, so the last PCI address in the resolved path
// is the parent.
func (c *Client) MdevParentPCI(ctx context.Context, uuid string) (pci.Address, error) {
	ctx, cancel := withTimeout(ctx, defaultTimeout)
	defer cancel()

	res, err := c.runner.Run(ctx, fmt.Sprintf("readlink -f %s/%s", mdevDevDir, uuid))
	if err != nil {
		return pci.Address{}, fmt.Errorf("failed to resolve mdev %s: %w", uuid, err)
	}

	matches := fullBDFRe.FindAllString(res.Stdout, -1)
	if len(matches) == 0 {
		return pci.Address{}, fmt.Errorf("Not matched PF PCI for MDEV with UUID: %s", uuid)
	}
	addr, err := pci.Parse(matches[len(matches)-1])
	if err != nil {
		return pci.Address{}, fmt.Errorf("Not matched PF PCI for MDEV with UUID: %s", uuid)
	}
	return addr, nil
}
