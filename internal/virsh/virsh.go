// Package virsh drives VM lifecycle and device operations through the
// virsh command line tool over a Runner, so the same code path manages
// a local host and one reached over SSH.
//
// Most verbs return a plain error. Operations the tool can legitimately
// refuse at runtime (network create/destroy, interface attach) return a
// bool instead: false with a nil error means virsh itself rejected the
// operation, while a non-nil error is reserved for transport failures
// such as an unreachable host or a missing binary.
package virsh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/anvil/internal/run"
)

const defaultTimeout = 120 * time.Second

// Domain states as dominfo prints them.
const (
	StateRunning = "running"
	StateShutOff = "shut off"
)

// Tool wraps virsh invocations over a Runner.
type Tool struct {
	runner run.Runner
}

// New returns a Tool backed by the given runner.
func New(r run.Runner) *Tool {
	return &Tool{runner: r}
}

func (t *Tool) virsh(ctx context.Context, args string) (run.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return t.runner.Run(ctx, "virsh "+args)
}

// accepted maps a verb result onto the bool contract: tool-reported
// failures are logged and swallowed, transport failures propagate.
func (t *Tool) accepted(verb string, err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	var cmdErr *run.CommandError
	if errors.As(err, &cmdErr) {
		logrus.Debugf("Command %s ended with code error: %v", verb, cmdErr)
		return false, nil
	}
	return false, err
}

// Version reports the virsh client version, which doubles as the
// cheapest liveness probe for the tool.
func (t *Tool) Version(ctx context.Context) (string, error) {
	res, err := t.virsh(ctx, "--version")
	if err != nil {
		return "", fmt.Errorf("checking virsh version: %w", err)
	}
	return trimOutput(res.Stdout), nil
}

// Start boots a defined VM.
func (t *Tool) Start(ctx context.Context, vm string) error {
	logrus.Debugf("Starting %s", vm)
	if _, err := t.virsh(ctx, "start "+vm); err != nil {
		return fmt.Errorf("starting %s: %w", vm, err)
	}
	return nil
}

// Shutdown asks the guest OS to power down. The VM reaches "shut off"
// only if and when the guest cooperates.
func (t *Tool) Shutdown(ctx context.Context, vm string) error {
	logrus.Debugf("Shutting down %s", vm)
	if _, err := t.virsh(ctx, "shutdown "+vm); err != nil {
		return fmt.Errorf("shutting down %s: %w", vm, err)
	}
	return nil
}

// Destroy pulls the virtual plug without involving the guest.
func (t *Tool) Destroy(ctx context.Context, vm string) error {
	logrus.Debugf("Hard shutting down %s", vm)
	if _, err := t.virsh(ctx, "destroy "+vm); err != nil {
		return fmt.Errorf("destroying %s: %w", vm, err)
	}
	return nil
}

// Reboot requests a guest-cooperative reboot.
func (t *Tool) Reboot(ctx context.Context, vm string) error {
	logrus.Debugf("Rebooting %s", vm)
	if _, err := t.virsh(ctx, "reboot "+vm); err != nil {
		return fmt.Errorf("rebooting %s: %w", vm, err)
	}
	return nil
}

// Reset performs a hard reset, like pressing the reset button.
func (t *Tool) Reset(ctx context.Context, vm string) error {
	logrus.Debugf("Resetting %s", vm)
	if _, err := t.virsh(ctx, "reset "+vm); err != nil {
		return fmt.Errorf("resetting %s: %w", vm, err)
	}
	return nil
}

// Undefine removes a VM definition, including any NVRAM file left
// behind by UEFI guests.
func (t *Tool) Undefine(ctx context.Context, vm string) error {
	logrus.Debugf("Deleting %s", vm)
	if _, err := t.virsh(ctx, "undefine --nvram "+vm); err != nil {
		return fmt.Errorf("undefining %s: %w", vm, err)
	}
	return nil
}

// Define registers a VM from an XML file and returns virsh's
// confirmation message.
func (t *Tool) Define(ctx context.Context, xmlPath string) (string, error) {
	res, err := t.virsh(ctx, "define "+xmlPath)
	if err != nil {
		return "", fmt.Errorf("defining from %s: %w", xmlPath, err)
	}
	return trimOutput(res.Stdout), nil
}

// SetVcpus changes the persistent vCPU count.
func (t *Tool) SetVcpus(ctx context.Context, vm string, count int) error {
	if _, err := t.virsh(ctx, fmt.Sprintf("setvcpus %s %d --config", vm, count)); err != nil {
		return fmt.Errorf("setting vcpus of %s: %w", vm, err)
	}
	return nil
}

// SetVcpusMax changes the persistent vCPU ceiling.
func (t *Tool) SetVcpusMax(ctx context.Context, vm string, count int) error {
	if _, err := t.virsh(ctx, fmt.Sprintf("setvcpus %s %d --maximum --config", vm, count)); err != nil {
		return fmt.Errorf("setting max vcpus of %s: %w", vm, err)
	}
	return nil
}

// AttachDevice attaches the device described by an XML file. With
// persistent set the change is written to the stored config, which is
// the only option when the VM is not running.
func (t *Tool) AttachDevice(ctx context.Context, vm, xmlPath string, persistent bool) error {
	args := fmt.Sprintf("attach-device %s --file %s", vm, xmlPath)
	if persistent {
		args += " --config"
	}
	if _, err := t.virsh(ctx, args); err != nil {
		return fmt.Errorf("attaching device to %s: %w", vm, err)
	}
	return nil
}

// DetachDevice detaches the device described by an XML file.
func (t *Tool) DetachDevice(ctx context.Context, vm, xmlPath string, persistent bool) error {
	args := fmt.Sprintf("detach-device %s --file %s", vm, xmlPath)
	if persistent {
		args += " --config"
	}
	if _, err := t.virsh(ctx, args); err != nil {
		return fmt.Errorf("detaching device from %s: %w", vm, err)
	}
	return nil
}

// DumpXML returns the current device document of a VM.
func (t *Tool) DumpXML(ctx context.Context, vm string) (string, error) {
	logrus.Debugf("Dumping xml of %s.", vm)
	res, err := t.virsh(ctx, "dumpxml "+vm)
	if err != nil {
		logrus.Debug("Unable to fetch xml.")
		return "", fmt.Errorf("dumping xml of %s: %w", vm, err)
	}
	logrus.Debug("XML dumped properly.")
	return res.Stdout, nil
}

// DomInfo returns the dominfo key/value table for a VM.
func (t *Tool) DomInfo(ctx context.Context, vm string) (map[string]string, error) {
	res, err := t.virsh(ctx, "dominfo "+vm)
	if err != nil {
		return nil, fmt.Errorf("querying dominfo of %s: %w", vm, err)
	}
	return parseKVTable(res.Stdout), nil
}

// State returns the dominfo State field, e.g. "running" or "shut off".
func (t *Tool) State(ctx context.Context, vm string) (string, error) {
	info, err := t.DomInfo(ctx, vm)
	if err != nil {
		return "", err
	}
	return info["State"], nil
}

// ListVMs lists defined VMs; with all set, shut-off VMs are included.
func (t *Tool) ListVMs(ctx context.Context, all bool) ([]VMRecord, error) {
	args := "list"
	if all {
		args += " --all"
	}
	res, err := t.virsh(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("listing VMs: %w", err)
	}
	return parseVMTable(res.Stdout), nil
}

// MgmtMAC reads the MAC address of the first (management) interface of
// a VM from the domiflist table.
func (t *Tool) MgmtMAC(ctx context.Context, vm string) (string, error) {
	logrus.Debugf("Read MAC address of management interface for VM: %s", vm)
	res, err := t.virsh(ctx, "domiflist "+vm)
	if err != nil {
		return "", fmt.Errorf("listing interfaces of %s: %w", vm, err)
	}
	mac, err := parseMgmtMAC(res.Stdout)
	if err != nil {
		return "", fmt.Errorf("listing interfaces of %s: %w", vm, err)
	}
	return mac, nil
}

// DomIfAddr returns the interface address table of a VM from the given
// source: "agent" asks the guest agent, "lease" reads DHCP leases.
func (t *Tool) DomIfAddr(ctx context.Context, vm, source string) (string, error) {
	res, err := t.virsh(ctx, fmt.Sprintf("domifaddr %s --source %s", vm, source))
	if err != nil {
		return "", fmt.Errorf("querying addresses of %s: %w", vm, err)
	}
	return res.Stdout, nil
}

// Networks lists the names of defined libvirt networks.
func (t *Tool) Networks(ctx context.Context) ([]string, error) {
	res, err := t.virsh(ctx, "net-list")
	if err != nil {
		return nil, fmt.Errorf("listing networks: %w", err)
	}
	return parseNetNames(res.Stdout), nil
}

// CreateNetwork starts a transient network from an XML file.
func (t *Tool) CreateNetwork(ctx context.Context, xmlPath string) (bool, error) {
	logrus.Debugf("Create network from %s", xmlPath)
	_, err := t.virsh(ctx, "net-create "+xmlPath)
	return t.accepted("net-create", err)
}

// DestroyNetwork stops a network.
func (t *Tool) DestroyNetwork(ctx context.Context, name string) (bool, error) {
	logrus.Debugf("Destroy network %s", name)
	_, err := t.virsh(ctx, "net-destroy "+name)
	return t.accepted("net-destroy", err)
}

// NetDHCPLeases returns the raw lease table of a network.
func (t *Tool) NetDHCPLeases(ctx context.Context, network string) (string, error) {
	res, err := t.virsh(ctx, "net-dhcp-leases "+network)
	if err != nil {
		return "", fmt.Errorf("reading leases of %s: %w", network, err)
	}
	return res.Stdout, nil
}

// AttachTapInterface attaches a virtio interface on a libvirt network.
func (t *Tool) AttachTapInterface(ctx context.Context, vm, network string) (bool, error) {
	logrus.Debugf("Attach tap interface to VM %s", vm)
	_, err := t.virsh(ctx, fmt.Sprintf("attach-interface %s network %s --model virtio", vm, network))
	return t.accepted("attach-interface", err)
}

// DetachInterface detaches a bridge interface by its MAC address.
func (t *Tool) DetachInterface(ctx context.Context, vm, mac string) (bool, error) {
	logrus.Debugf("Detach interface %s from VM %s", mac, vm)
	_, err := t.virsh(ctx, fmt.Sprintf("detach-interface %s bridge --mac %s", vm, mac))
	return t.accepted("detach-interface", err)
}
