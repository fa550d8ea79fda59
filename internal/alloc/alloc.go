// Package alloc decides which VFs and mediated devices are free by
// reconciling two live views: the VFs sysfs says exist and the
// attachments VM device documents say are held. Neither view is cached;
// both change underneath this process at any time, so every answer is
// advisory and writers re-verify after acting. libvirt is the only
// serializer in the system; this package never holds a lock.
package alloc

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/anvil/internal/domxml"
	"github.com/jbweber/anvil/internal/netdev"
	"github.com/jbweber/anvil/internal/pci"
	"github.com/jbweber/anvil/internal/virsh"
)

const zeroMAC = "00:00:00:00:00:00"

// NotFoundError reports a lookup that matched no VF.
type NotFoundError struct {
	Msg string
}

func (e *NotFoundError) Error() string { return e.Msg }

// Inventory is the sysfs side: which VFs exist and where.
type Inventory interface {
	VFAddresses(ctx context.Context, pf string) (map[int]pci.Address, error)
	VFAddressesByPCI(ctx context.Context, addr pci.Address) (map[int]pci.Address, error)
}

// Details is the policy side: per-VF MAC, spoof checking and trust.
type Details interface {
	VFDetails(ctx context.Context, iface string) ([]netdev.VFDetail, error)
}

// DomainSource lists VMs and dumps their device documents.
type DomainSource interface {
	ListVMs(ctx context.Context, all bool) ([]virsh.VMRecord, error)
	DumpXML(ctx context.Context, vm string) (string, error)
}

// Allocator answers "which VFs are free" questions.
type Allocator struct {
	inventory Inventory
	details   Details
	domains   DomainSource
}

// New returns an Allocator over the given views.
func New(inventory Inventory, details Details, domains DomainSource) *Allocator {
	return &Allocator{inventory: inventory, details: details, domains: domains}
}

// ListVFs returns the VFs of a PF in ascending id order. A PF with
// zero VFs yields an empty slice.
func (a *Allocator) ListVFs(ctx context.Context, pf string) ([]netdev.VFDetail, error) {
	return a.details.VFDetails(ctx, pf)
}

// PCIForVF resolves a VF id to its PCI address.
func (a *Allocator) PCIForVF(ctx context.Context, pf string, vfID int) (pci.Address, error) {
	addrs, err := a.inventory.VFAddresses(ctx, pf)
	if err != nil {
		return pci.Address{}, err
	}
	addr, ok := addrs[vfID]
	if !ok {
		return pci.Address{}, &NotFoundError{Msg: fmt.Sprintf("Not matched VFs for interface %s.", pf)}
	}
	return addr, nil
}

// VFIDForPCI resolves a VF's PCI address back to its current id on the
// PF. Ids move around across count changes, so resolution happens
// fresh on every call.
func (a *Allocator) VFIDForPCI(ctx context.Context, pf string, addr pci.Address) (int, error) {
	addrs, err := a.inventory.VFAddresses(ctx, pf)
	if err != nil {
		return 0, err
	}
	for id, candidate := range addrs {
		if candidate == addr {
			return id, nil
		}
	}
	return 0, &NotFoundError{Msg: fmt.Sprintf("Not matched VFs for interface %s.", pf)}
}

// VFIDForPCIByPF is VFIDForPCI for a PF identified by its PCI address
// instead of an interface name.
func (a *Allocator) VFIDForPCIByPF(ctx context.Context, pfAddr, vfAddr pci.Address) (int, error) {
	addrs, err := a.inventory.VFAddressesByPCI(ctx, pfAddr)
	if err != nil {
		return 0, err
	}
	for id, candidate := range addrs {
		if candidate == vfAddr {
			return id, nil
		}
	}
	return 0, &NotFoundError{Msg: fmt.Sprintf("Not matched VFs for PF PCI Address %s", pfAddr)}
}

// VFIDForMAC resolves the VF carrying mac on the PF. MACs can be
// reassigned out of band, so the VF list is re-read every call.
func (a *Allocator) VFIDForMAC(ctx context.Context, pf, mac string) (int, error) {
	details, err := a.details.VFDetails(ctx, pf)
	if err != nil {
		return 0, err
	}
	for _, vf := range details {
		if strings.EqualFold(vf.MAC, mac) {
			return vf.ID, nil
		}
	}
	return 0, &NotFoundError{Msg: fmt.Sprintf("Not matched VFs for interface %s.", pf)}
}

// Attachments walks every known VM's device document and reports its
// bindings. A VM whose document cannot be fetched or parsed is skipped:
// a VM undefined between the list and the dump is normal churn, not an
// error.
func (a *Allocator) Attachments(ctx context.Context) (map[string][]domxml.Binding, error) {
	vms, err := a.domains.ListVMs(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]domxml.Binding, len(vms))
	for _, vm := range vms {
		doc, err := a.domains.DumpXML(ctx, vm.Name)
		if err != nil {
			logrus.WithField("vm", vm.Name).WithError(err).Debug("skipping VM without device document")
			continue
		}
		bindings, err := domxml.InterfaceBindings(doc)
		if err != nil {
			logrus.WithField("vm", vm.Name).WithError(err).Debug("skipping VM with unparsable device document")
			continue
		}
		out[vm.Name] = bindings
	}
	return out, nil
}

// AttachmentsByPCI inverts Attachments into PCI address → holding VMs.
// Used for the exclusivity pre-check before a passthrough attach: at
// most one VM may hold an address, but the check is advisory and the
// caller re-verifies after acting.
func (a *Allocator) AttachmentsByPCI(ctx context.Context) (map[pci.Address][]string, error) {
	attachments, err := a.Attachments(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[pci.Address][]string)
	for vm, bindings := range attachments {
		for _, b := range bindings {
			if b.Kind == domxml.KindPCI && b.HostPCI != nil {
				out[*b.HostPCI] = append(out[*b.HostPCI], vm)
			}
		}
	}
	return out, nil
}

// IsAttached reports whether any VM holds the VF, matched by PCI
// address or by MAC. This is an O(VMs × interfaces) scan on purpose:
// attachment state changes underneath this process, and a stale index
// is worse than a recomputation.
func (a *Allocator) IsAttached(ctx context.Context, pf string, vfID int) (bool, error) {
	addr, err := a.PCIForVF(ctx, pf, vfID)
	if err != nil {
		return false, err
	}
	details, err := a.details.VFDetails(ctx, pf)
	if err != nil {
		return false, err
	}
	var mac string
	for _, vf := range details {
		if vf.ID == vfID {
			mac = vf.MAC
			break
		}
	}

	attachments, err := a.Attachments(ctx)
	if err != nil {
		return false, err
	}
	return bindingsHold(attachments, &addr, mac), nil
}

// FreeVFs returns the VFs of a PF no VM currently holds.
func (a *Allocator) FreeVFs(ctx context.Context, pf string) ([]netdev.VFDetail, error) {
	return a.splitVFs(ctx, pf, false)
}

// UsedVFs returns the VFs of a PF some VM currently holds.
func (a *Allocator) UsedVFs(ctx context.Context, pf string) ([]netdev.VFDetail, error) {
	return a.splitVFs(ctx, pf, true)
}

func (a *Allocator) splitVFs(ctx context.Context, pf string, wantAttached bool) ([]netdev.VFDetail, error) {
	details, err := a.details.VFDetails(ctx, pf)
	if err != nil {
		return nil, err
	}
	addrs, err := a.inventory.VFAddresses(ctx, pf)
	if err != nil {
		return nil, err
	}
	attachments, err := a.Attachments(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]netdev.VFDetail, 0, len(details))
	for _, vf := range details {
		var addrPtr *pci.Address
		if addr, ok := addrs[vf.ID]; ok {
			addrPtr = &addr
		}
		if bindingsHold(attachments, addrPtr, vf.MAC) == wantAttached {
			out = append(out, vf)
		}
	}
	return out, nil
}

// FreeMdevs filters uuids down to those no VM currently references.
func (a *Allocator) FreeMdevs(ctx context.Context, uuids []string) ([]string, error) {
	attachments, err := a.Attachments(ctx)
	if err != nil {
		return nil, err
	}
	used := make(map[string]bool)
	for _, bindings := range attachments {
		for _, b := range bindings {
			if b.Kind == domxml.KindMdev && b.MdevUUID != "" {
				used[strings.ToLower(b.MdevUUID)] = true
			}
		}
	}
	free := make([]string, 0, len(uuids))
	for _, uuid := range uuids {
		if !used[strings.ToLower(uuid)] {
			free = append(free, uuid)
		}
	}
	return free, nil
}

// bindingsHold reports whether any binding references the VF, by host
// PCI field equality or by MAC. The all-zero MAC means "not assigned"
// and never matches.
func bindingsHold(attachments map[string][]domxml.Binding, addr *pci.Address, mac string) bool {
	for _, bindings := range attachments {
		for _, b := range bindings {
			if addr != nil && b.HostPCI != nil && *b.HostPCI == *addr {
				return true
			}
			if mac != "" && mac != zeroMAC && strings.EqualFold(b.MAC, mac) {
				return true
			}
		}
	}
	return false
}
