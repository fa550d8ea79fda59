// Package hypervisor is the orchestration facade over a KVM host: VM
// creation and lifecycle, VF and mediated device passthrough, and the
// pollers that confirm what the tools claim. Everything runs through a
// single Runner, so one Hypervisor manages a local host and another
// one manages a host reached over SSH with the same code.
//
// The facade holds no state about the host. Both sources of truth, the
// sysfs view of VFs and the libvirt view of VM bindings, are queried
// fresh on every call and reconciled by the allocator; writers re-check
// after acting instead of trusting a cached answer.
package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jbweber/anvil/internal/alloc"
	"github.com/jbweber/anvil/internal/netdev"
	"github.com/jbweber/anvil/internal/run"
	"github.com/jbweber/anvil/internal/sysfs"
	"github.com/jbweber/anvil/internal/virsh"
)

// Hypervisor bundles the per-concern clients over one Runner.
type Hypervisor struct {
	runner run.Runner
	virsh  *virsh.Tool
	sysfs  *sysfs.Client
	netdev *netdev.Client
	alloc  *alloc.Allocator
}

// New returns a Hypervisor managing the host behind the given runner.
func New(r run.Runner) *Hypervisor {
	t := virsh.New(r)
	s := sysfs.New(r)
	n := netdev.New(r)
	return &Hypervisor{
		runner: r,
		virsh:  t,
		sysfs:  s,
		netdev: n,
		alloc:  alloc.New(s, n, t),
	}
}

// Virsh exposes the underlying virsh tool for callers that need a verb
// the facade does not wrap.
func (h *Hypervisor) Virsh() *virsh.Tool { return h.virsh }

// Sysfs exposes the underlying sysfs client.
func (h *Hypervisor) Sysfs() *sysfs.Client { return h.sysfs }

// Netdev exposes the underlying netdev client.
func (h *Hypervisor) Netdev() *netdev.Client { return h.netdev }

// Allocator exposes the VF allocator built over this host's views.
func (h *Hypervisor) Allocator() *alloc.Allocator { return h.alloc }

// Start boots a defined VM.
func (h *Hypervisor) Start(ctx context.Context, vm string) error {
	return h.virsh.Start(ctx, vm)
}

// Shutdown asks the guest OS to power down.
func (h *Hypervisor) Shutdown(ctx context.Context, vm string) error {
	return h.virsh.Shutdown(ctx, vm)
}

// Destroy powers a VM off without involving the guest.
func (h *Hypervisor) Destroy(ctx context.Context, vm string) error {
	return h.virsh.Destroy(ctx, vm)
}

// Reboot requests a guest-cooperative reboot.
func (h *Hypervisor) Reboot(ctx context.Context, vm string) error {
	return h.virsh.Reboot(ctx, vm)
}

// Reset performs a hard reset.
func (h *Hypervisor) Reset(ctx context.Context, vm string) error {
	return h.virsh.Reset(ctx, vm)
}

// Delete removes a VM definition. A running VM is destroyed first; a
// VM that is already off only makes the destroy a no-op refusal, which
// is fine.
func (h *Hypervisor) Delete(ctx context.Context, vm string) error {
	if err := h.virsh.Destroy(ctx, vm); err != nil {
		var notAvailable *run.NotAvailableError
		if errors.As(err, &notAvailable) {
			return err
		}
	}
	return h.virsh.Undefine(ctx, vm)
}

// SetVcpus changes the persistent vCPU count.
func (h *Hypervisor) SetVcpus(ctx context.Context, vm string, count int) error {
	return h.virsh.SetVcpus(ctx, vm, count)
}

// SetVcpusMax changes the persistent vCPU ceiling.
func (h *Hypervisor) SetVcpusMax(ctx context.Context, vm string, count int) error {
	return h.virsh.SetVcpusMax(ctx, vm, count)
}

// ListVMs lists defined VMs; with all set, shut-off VMs are included.
func (h *Hypervisor) ListVMs(ctx context.Context, all bool) ([]virsh.VMRecord, error) {
	return h.virsh.ListVMs(ctx, all)
}

// VMNames returns the names of every defined VM, running or not.
func (h *Hypervisor) VMNames(ctx context.Context) ([]string, error) {
	vms, err := h.virsh.ListVMs(ctx, true)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(vms))
	for _, vm := range vms {
		names = append(names, vm.Name)
	}
	return names, nil
}

// Status returns the dominfo key/value table of a VM.
func (h *Hypervisor) Status(ctx context.Context, vm string) (map[string]string, error) {
	return h.virsh.DomInfo(ctx, vm)
}

// State returns a VM's state, e.g. "running" or "shut off".
func (h *Hypervisor) State(ctx context.Context, vm string) (string, error) {
	return h.virsh.State(ctx, vm)
}

// DumpXML returns the current device document of a VM.
func (h *Hypervisor) DumpXML(ctx context.Context, vm string) (string, error) {
	return h.virsh.DumpXML(ctx, vm)
}

// MgmtMAC returns the MAC address of a VM's management interface.
func (h *Hypervisor) MgmtMAC(ctx context.Context, vm string) (string, error) {
	return h.virsh.MgmtMAC(ctx, vm)
}

// CreateNetwork starts a transient libvirt network from an XML file.
// False means virsh rejected it.
func (h *Hypervisor) CreateNetwork(ctx context.Context, xmlPath string) (bool, error) {
	return h.virsh.CreateNetwork(ctx, xmlPath)
}

// DestroyNetwork stops a libvirt network.
func (h *Hypervisor) DestroyNetwork(ctx context.Context, name string) (bool, error) {
	return h.virsh.DestroyNetwork(ctx, name)
}

// AttachTapInterface plugs a virtio NIC on the named libvirt network
// into the VM.
func (h *Hypervisor) AttachTapInterface(ctx context.Context, vm, network string) (bool, error) {
	return h.virsh.AttachTapInterface(ctx, vm, network)
}

// DetachTapInterface unplugs the bridge interface with the given MAC.
func (h *Hypervisor) DetachTapInterface(ctx context.Context, vm, mac string) (bool, error) {
	return h.virsh.DetachInterface(ctx, vm, mac)
}

// writeFile writes content to a file on the managed host. The heredoc
// keeps the write inside a single shell line so it works over any
// Runner.
func (h *Hypervisor) writeFile(ctx context.Context, path, content string) error {
	line := fmt.Sprintf("cat > %s << 'EOF'\n%s\nEOF", path, strings.TrimRight(content, "\n"))
	if _, err := h.runner.Run(ctx, line); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
