package hypervisor

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/anvil/internal/naming"
	"github.com/jbweber/anvil/internal/netdata"
)

// NamedVM pairs a provisioned VM's name with the management IP it was
// created for.
type NamedVM struct {
	Name string
	IP   string
}

// CreateMultipleVMs provisions count VMs from a network data table.
// It picks count table entries whose IPs are still free, derives each
// VM's name from its IP under the given prefix, and creates one VM per
// entry with params as the shared template (name and MAC come from the
// table). netDataFile is read locally; the free probes and the
// creation run on the managed host.
//
// Returns the created name/IP pairs in creation order. A failed
// creation aborts the run; VMs created before the failure stay.
func (h *Hypervisor) CreateMultipleVMs(ctx context.Context, count int, params VMParams, netDataFile, prefix string) ([]NamedVM, error) {
	entries, err := netdata.LoadFromFile(netDataFile)
	if err != nil {
		return nil, err
	}
	free, err := netdata.FreeEntries(ctx, h.runner, entries, count)
	if err != nil {
		return nil, err
	}

	created := make([]NamedVM, 0, count)
	for _, e := range free {
		name, err := naming.NameFromIP(e.IP, prefix)
		if err != nil {
			return nil, err
		}
		p := params
		p.Name = name
		p.MAC = e.MAC
		if _, err := h.CreateVM(ctx, p); err != nil {
			return nil, fmt.Errorf("creating %s: %w", name, err)
		}
		logrus.Debugf("Created VM %s for IP %s", name, e.IP)
		created = append(created, NamedVM{Name: name, IP: e.IP})
	}
	return created, nil
}

// PushFile writes binary content to a file on the managed host. The
// content travels base64-encoded inside the command line, so this is
// for small payloads like seed ISOs, not disk images.
func (h *Hypervisor) PushFile(ctx context.Context, path string, data []byte) error {
	line := fmt.Sprintf("echo '%s' | base64 -d > %s", base64.StdEncoding.EncodeToString(data), path)
	if _, err := h.runner.Run(ctx, line); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
