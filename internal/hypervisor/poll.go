package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/anvil/internal/run"
	"github.com/jbweber/anvil/internal/virsh"
)

// Poll schedules. Variables so tests can shrink them.
var (
	statePollInterval = 2 * time.Second
	stopWaitTimeout   = 120 * time.Second
	startWaitTimeout  = 120 * time.Second

	mgmtIPTries    = 30
	mgmtIPInterval = 10 * time.Second
)

// WaitForState polls a VM until it reports the wanted state. Reaching
// the timeout is an ordinary false, not an error; so is a VM that
// cannot be queried for the whole window.
func (h *Hypervisor) WaitForState(ctx context.Context, vm, state string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if got, err := h.virsh.State(ctx, vm); err == nil && got == state {
			return true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		sleepCtx(ctx, statePollInterval)
	}
}

// WaitForVMUp waits for a VM to reach "running".
func (h *Hypervisor) WaitForVMUp(ctx context.Context, vm string, timeout time.Duration) bool {
	return h.WaitForState(ctx, vm, virsh.StateRunning, timeout)
}

// WaitForVMDown waits for a VM to reach "shut off".
func (h *Hypervisor) WaitForVMDown(ctx context.Context, vm string, timeout time.Duration) bool {
	return h.WaitForState(ctx, vm, virsh.StateShutOff, timeout)
}

// MgmtIP asks the QEMU guest agent for the IPv4 address of the
// interface with the given MAC, retrying until the agent answers and
// reports a usable address. Loopback and link-local addresses show up
// while the guest is still configuring itself and are never returned.
//
// An agent that never answers means the guest did not boot; a guest
// that answers without a usable address for the MAC is a different
// failure, and the two get distinct errors.
func (h *Hypervisor) MgmtIP(ctx context.Context, mac, vm string, tries int) (string, error) {
	if tries <= 0 {
		tries = mgmtIPTries
	}
	logrus.Debug("Get management IP from QEMU agent which running on VM")
	agentUp := false
	for attempt := 1; attempt <= tries; attempt++ {
		if attempt > 1 {
			sleepCtx(ctx, mgmtIPInterval)
		}
		out, err := h.virsh.DomIfAddr(ctx, vm, "agent")
		if err != nil {
			var notAvailable *run.NotAvailableError
			if errors.As(err, &notAvailable) {
				return "", err
			}
			logrus.Debugf("%d/%d Getting management IP from QEMU agent failed", attempt, tries)
			continue
		}
		agentUp = true
		ip, ok := virsh.IPv4FromDomIfAddr(out, mac)
		if !ok {
			continue
		}
		if isLocalIP(ip) {
			logrus.Debugf("%d/%d Found MNG IP: %s is local/loopback, waiting for a usable address", attempt, tries, ip)
			continue
		}
		logrus.Debugf("Mng IP: %s for MAC: %s found", ip, strings.ToLower(mac))
		return ip, nil
	}
	if !agentUp {
		logrus.Debug("If this is a fresh VM it can also mean choosing the wrong VM boot option (uefi, legacy).")
		return "", fmt.Errorf("VM was unable to boot after: %d retries!", tries)
	}
	return "", fmt.Errorf("VM is up but management IP is unavailable for MAC: %s!", mac)
}

// MgmtIPFromLeases resolves a MAC to its IPv4 address from a libvirt
// network's DHCP lease table, for guests without the agent.
func (h *Hypervisor) MgmtIPFromLeases(ctx context.Context, network, mac string, tries int) (string, error) {
	if tries <= 0 {
		tries = mgmtIPTries
	}
	for attempt := 1; attempt <= tries; attempt++ {
		if attempt > 1 {
			sleepCtx(ctx, mgmtIPInterval)
		}
		out, err := h.virsh.NetDHCPLeases(ctx, network)
		if err != nil {
			var notAvailable *run.NotAvailableError
			if errors.As(err, &notAvailable) {
				return "", err
			}
			logrus.Debugf("%d/%d Reading DHCP leases failed", attempt, tries)
			continue
		}
		if ip, ok := virsh.IPv4FromLeases(out, mac); ok && !isLocalIP(ip) {
			logrus.Debugf("Mng IP: %s for MAC: %s found", ip, strings.ToLower(mac))
			return ip, nil
		}
	}
	return "", fmt.Errorf("VM is up but management IP is unavailable for MAC: %s!", mac)
}

// GuestMgmtIP resolves a VM's management IP: management MAC from the
// domain's interface table, then the agent query.
func (h *Hypervisor) GuestMgmtIP(ctx context.Context, vm string) (string, error) {
	mac, err := h.virsh.MgmtMAC(ctx, vm)
	if err != nil {
		return "", fmt.Errorf("Cannot find MAC address for VM: %s: %w", vm, err)
	}
	return h.MgmtIP(ctx, mac, vm, 0)
}

// StopVM shuts a VM down gracefully and waits; a guest that ignores
// the request within the timeout is destroyed. Reports whether the VM
// ended up down.
func (h *Hypervisor) StopVM(ctx context.Context, vm string, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = stopWaitTimeout
	}
	if err := h.Shutdown(ctx, vm); err != nil {
		var notAvailable *run.NotAvailableError
		if errors.As(err, &notAvailable) {
			return false, err
		}
		logrus.WithError(err).Debugf("graceful shutdown of %s rejected", vm)
	}
	if h.WaitForVMDown(ctx, vm, timeout) {
		return true, nil
	}
	logrus.Debugf("%s did not shut down within %s, destroying it", vm, timeout)
	if err := h.Destroy(ctx, vm); err != nil {
		var notAvailable *run.NotAvailableError
		if errors.As(err, &notAvailable) {
			return false, err
		}
		logrus.WithError(err).Debugf("destroy of %s rejected", vm)
	}
	return h.WaitForVMDown(ctx, vm, timeout), nil
}

// StopAllVMs shuts down every defined VM, gracefully by default or
// with destroy when forced. Shutdown is issued to all VMs first so
// guests power down in parallel, then each is waited for. Reports
// whether every VM reached "shut off".
func (h *Hypervisor) StopAllVMs(ctx context.Context, force bool) (bool, error) {
	names, err := h.VMNames(ctx)
	if err != nil {
		return false, err
	}
	for _, name := range names {
		var err error
		if force {
			err = h.Destroy(ctx, name)
		} else {
			err = h.Shutdown(ctx, name)
		}
		if err != nil {
			var notAvailable *run.NotAvailableError
			if errors.As(err, &notAvailable) {
				return false, err
			}
			logrus.WithError(err).Debugf("shutdown of %s rejected", name)
		}
	}
	down := true
	for _, name := range names {
		if !h.WaitForVMDown(ctx, name, stopWaitTimeout) {
			down = false
		}
	}
	return down, nil
}

// StartAllVMs starts every defined VM, waiting for each to come up
// before starting the next. Stops at the first VM that does not reach
// "running".
func (h *Hypervisor) StartAllVMs(ctx context.Context) (bool, error) {
	names, err := h.VMNames(ctx)
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if err := h.Start(ctx, name); err != nil {
			var notAvailable *run.NotAvailableError
			if errors.As(err, &notAvailable) {
				return false, err
			}
			logrus.WithError(err).Debugf("start of %s rejected", name)
			return false, nil
		}
		if !h.WaitForVMUp(ctx, name, startWaitTimeout) {
			return false, nil
		}
	}
	return true, nil
}

func isLocalIP(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && (ip.IsLoopback() || ip.IsLinkLocalUnicast())
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
