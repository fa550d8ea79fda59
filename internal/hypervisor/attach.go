package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/anvil/internal/domxml"
	"github.com/jbweber/anvil/internal/pci"
	"github.com/jbweber/anvil/internal/run"
	"github.com/jbweber/anvil/internal/virsh"
)

// Status reports how far an attach or detach got. Failed means the
// tool refused the operation. Unconfirmed means the tool accepted it
// but the domain document never reflected the change within the poll
// budget; that needs different remediation than a plain failure, so it
// is surfaced distinctly.
type Status int

const (
	StatusFailed Status = iota
	StatusVerified
	StatusUnconfirmed
)

func (s Status) String() string {
	switch s {
	case StatusVerified:
		return "verified"
	case StatusUnconfirmed:
		return "unconfirmed"
	default:
		return "failed"
	}
}

// The domain document lags the tool's OK briefly; results are
// confirmed by polling it with backoff. Variables so tests can shrink
// the schedule.
var (
	verifyBackoffStart = 500 * time.Millisecond
	verifyBackoffCap   = 5 * time.Second
	verifyBudget       = 30 * time.Second

	controllerStopTimeout = 60 * time.Second
)

// AttachDevice attaches the device described by the XML file at
// xmlPath. When the VM is shut off the change targets the persistent
// config so it survives the next start.
func (h *Hypervisor) AttachDevice(ctx context.Context, vm, xmlPath string) error {
	state, err := h.virsh.State(ctx, vm)
	if err != nil {
		return err
	}
	return h.virsh.AttachDevice(ctx, vm, xmlPath, state == virsh.StateShutOff)
}

// DetachDevice detaches the device described by the XML file at
// xmlPath, persistently when the VM is shut off.
func (h *Hypervisor) DetachDevice(ctx context.Context, vm, xmlPath string) error {
	state, err := h.virsh.State(ctx, vm)
	if err != nil {
		return err
	}
	return h.virsh.DetachDevice(ctx, vm, xmlPath, state == virsh.StateShutOff)
}

// PrepareVFXML renders the passthrough fragment for a host PCI address
// and writes it to the VM's scratch file on the managed host, returning
// the path for attach-device and detach-device.
func (h *Hypervisor) PrepareVFXML(ctx context.Context, vm string, addr pci.Address) (string, error) {
	content, err := domxml.Render(domxml.DefaultVFTemplate, domxml.VFSubstitutions(addr))
	if err != nil {
		return "", err
	}
	xmlPath := fmt.Sprintf("/tmp/%s_vf.xml", vm)
	if err := h.writeFile(ctx, xmlPath, content); err != nil {
		return "", err
	}
	return xmlPath, nil
}

// AttachVF attaches the vfID-th VF of pf to a VM. The allocator is
// consulted first: a VF already bound to the target VM is a no-op
// success, one bound elsewhere is refused. The tool's OK alone does
// not settle the result; the domain document is polled until the
// binding shows up.
//
// The pre-check is advisory. Nothing serializes concurrent writers
// except libvirt itself, which is why the post-attach poll, not the
// pre-check, decides the returned Status.
func (h *Hypervisor) AttachVF(ctx context.Context, vm, pf string, vfID int) (Status, error) {
	addr, err := h.alloc.PCIForVF(ctx, pf, vfID)
	if err != nil {
		return StatusFailed, err
	}
	holders, err := h.alloc.AttachmentsByPCI(ctx)
	if err != nil {
		return StatusFailed, err
	}
	if vms := holders[addr]; len(vms) > 0 {
		for _, name := range vms {
			if name == vm {
				logrus.Debugf("VF %s already attached to %s", addr, vm)
				return StatusVerified, nil
			}
		}
		return StatusFailed, fmt.Errorf("pci %s is already attached to vm(s): %s", addr, strings.Join(vms, ", "))
	}

	xmlPath, err := h.PrepareVFXML(ctx, vm, addr)
	if err != nil {
		return StatusFailed, err
	}
	if err := h.AttachDevice(ctx, vm, xmlPath); err != nil {
		var notAvailable *run.NotAvailableError
		if errors.As(err, &notAvailable) {
			return StatusFailed, err
		}
		logrus.WithError(err).Debugf("attach of %s to %s rejected", addr, vm)
		return StatusFailed, nil
	}
	return h.confirmBinding(ctx, vm, addr, true), nil
}

// DetachVF detaches the vfID-th VF of pf from a VM. A binding that is
// already absent is a success without issuing anything.
func (h *Hypervisor) DetachVF(ctx context.Context, vm, pf string, vfID int) (Status, error) {
	addr, err := h.alloc.PCIForVF(ctx, pf, vfID)
	if err != nil {
		return StatusFailed, err
	}
	if bound, err := h.vfBound(ctx, vm, addr); err == nil && !bound {
		logrus.Debugf("VF %s not attached to %s, nothing to detach", addr, vm)
		return StatusVerified, nil
	}

	xmlPath, err := h.PrepareVFXML(ctx, vm, addr)
	if err != nil {
		return StatusFailed, err
	}
	if err := h.DetachDevice(ctx, vm, xmlPath); err != nil {
		var notAvailable *run.NotAvailableError
		if errors.As(err, &notAvailable) {
			return StatusFailed, err
		}
		logrus.WithError(err).Debugf("detach of %s from %s rejected", addr, vm)
		return StatusFailed, nil
	}
	return h.confirmBinding(ctx, vm, addr, false), nil
}

// AttachInterface attaches the device at a host PCI address to a VM
// without the allocator pre-check or confirmation.
func (h *Hypervisor) AttachInterface(ctx context.Context, vm string, addr pci.Address) error {
	xmlPath, err := h.PrepareVFXML(ctx, vm, addr)
	if err != nil {
		return err
	}
	return h.AttachDevice(ctx, vm, xmlPath)
}

// DetachInterface detaches the device at a host PCI address from a VM.
func (h *Hypervisor) DetachInterface(ctx context.Context, vm string, addr pci.Address) error {
	xmlPath, err := h.PrepareVFXML(ctx, vm, addr)
	if err != nil {
		return err
	}
	return h.DetachDevice(ctx, vm, xmlPath)
}

// DetachInterfaces strips every passthrough VF from the given VMs.
// Individual detach refusals are logged and skipped so one stuck
// device does not leave the remaining VFs attached.
func (h *Hypervisor) DetachInterfaces(ctx context.Context, vms []string) error {
	for _, vm := range vms {
		doc, err := h.virsh.DumpXML(ctx, vm)
		if err != nil {
			return err
		}
		pairs, err := domxml.HostdevPCIPairs(doc)
		if err != nil {
			return err
		}
		for _, pair := range pairs {
			if err := h.DetachInterface(ctx, vm, pair.Host); err != nil {
				var notAvailable *run.NotAvailableError
				if errors.As(err, &notAvailable) {
					return err
				}
				logrus.Debugf("Interface %s couldn't be detached from %s: %v", pair.Guest, vm, err)
				continue
			}
			logrus.Debugf("Interface %s detached from %s", pair.Guest, vm)
		}
	}
	return nil
}

// IsVFAttached reports whether the vfID-th VF of pf is bound to the
// vfio-pci driver, which is how a VF handed to a guest shows up on the
// host.
func (h *Hypervisor) IsVFAttached(ctx context.Context, pf string, vfID int) (bool, error) {
	addr, err := h.alloc.PCIForVF(ctx, pf, vfID)
	if err != nil {
		return false, err
	}
	res, err := h.runner.Run(ctx, "lspci -k")
	if err != nil {
		return false, err
	}

	short := addr.ShortBDF()
	lines := strings.Split(res.Stdout, "\n")
	for i, line := range lines {
		if !strings.HasPrefix(line, short+" ") {
			continue
		}
		// Detail lines of the stanza are indented; the next device
		// starts at column zero.
		for _, detail := range lines[i+1:] {
			if detail == "" || (!strings.HasPrefix(detail, " ") && !strings.HasPrefix(detail, "\t")) {
				break
			}
			if strings.Contains(detail, "Kernel driver in use:") {
				return strings.Contains(detail, "vfio-pci"), nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("VF PCI: %s is missing in `lspci -k` output. Cannot check VF attaching state.", short)
}

// ControllerPlan describes a run of pcie-root-port controllers to add
// to a VM. Index, chassis and port advance by one per controller;
// guest addresses advance in PCI order, function 0..7 within a slot,
// then the next slot, on a fixed bus.
type ControllerPlan struct {
	Count        int
	FirstIndex   int
	FirstChassis int
	FirstPort    int
	Bus          int
	FirstSlot    int
	FirstFunc    int
}

// AttachPCIControllers shuts a VM down, adds the planned controllers to
// its persistent config and starts it again. Individual attach
// refusals skip to the next address; running out of addresses before
// the plan is met is an error and the VM is left down.
func (h *Hypervisor) AttachPCIControllers(ctx context.Context, vm string, plan ControllerPlan) error {
	if err := h.Shutdown(ctx, vm); err != nil {
		var notAvailable *run.NotAvailableError
		if errors.As(err, &notAvailable) {
			return err
		}
		logrus.WithError(err).Debugf("graceful shutdown of %s rejected, assuming it is already down", vm)
	}
	// Attach falls back to a live attach when the guest ignores the
	// shutdown request in time.
	h.WaitForVMDown(ctx, vm, controllerStopTimeout)

	xmlPath := fmt.Sprintf("/tmp/%s_controller.xml", vm)
	index, chassis, port := plan.FirstIndex, plan.FirstChassis, plan.FirstPort
	slot, fn := plan.FirstSlot, plan.FirstFunc
	created := 0
	for created < plan.Count {
		if fn > 7 {
			fn = 0
			slot++
		}
		if slot > 0x1f {
			break
		}
		addr := pci.Address{Bus: uint8(plan.Bus), Slot: uint8(slot), Function: uint8(fn)}
		fn++

		content, err := domxml.PCIControllerXML(index, chassis, port, addr)
		if err != nil {
			return err
		}
		index++
		chassis++
		port++

		if err := h.writeFile(ctx, xmlPath, content); err != nil {
			return err
		}
		if err := h.AttachDevice(ctx, vm, xmlPath); err != nil {
			var notAvailable *run.NotAvailableError
			if errors.As(err, &notAvailable) {
				return err
			}
			logrus.WithError(err).Debugf("controller attach at %s rejected, trying the next address", addr)
			continue
		}
		created++
	}
	if created < plan.Count {
		return fmt.Errorf("Not enough free PCI devices. Cannot create expected number of PCI Controllers: expected: %d, created: %d", plan.Count, created)
	}
	return h.Start(ctx, vm)
}

// vfBound reports whether the domain document of vm currently carries a
// binding for the host PCI address.
func (h *Hypervisor) vfBound(ctx context.Context, vm string, addr pci.Address) (bool, error) {
	doc, err := h.virsh.DumpXML(ctx, vm)
	if err != nil {
		return false, err
	}
	bindings, err := domxml.InterfaceBindings(doc)
	if err != nil {
		return false, err
	}
	for _, b := range bindings {
		if b.HostPCI != nil && *b.HostPCI == addr {
			return true, nil
		}
	}
	return false, nil
}

// confirmBinding polls the domain document until the binding reaches
// the wanted state or the budget runs out. A dump failure counts as
// "not yet", not as an answer.
func (h *Hypervisor) confirmBinding(ctx context.Context, vm string, addr pci.Address, want bool) Status {
	deadline := time.Now().Add(verifyBudget)
	delay := verifyBackoffStart
	for {
		bound, err := h.vfBound(ctx, vm, addr)
		if err == nil && bound == want {
			return StatusVerified
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return StatusUnconfirmed
		}
		sleepCtx(ctx, delay)
		delay *= 2
		if delay > verifyBackoffCap {
			delay = verifyBackoffCap
		}
	}
}
