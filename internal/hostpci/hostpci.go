// Package hostpci inventories PCI devices and SR-IOV NICs on the local
// host through kernel APIs (ghw, netlink, sysfs).
//
// Unlike the Runner-backed packages this one executes in-process, so it
// only works when anvil runs directly on the hypervisor. It backs the
// `anvil host` subcommands.
package hostpci

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jaypipes/ghw"
	"github.com/vishvananda/netlink"

	"github.com/jbweber/anvil/internal/netdev"
)

// devicePath is the sysfs root for PCI devices. Package variable so
// tests can point it at a fixture tree.
var devicePath = "/sys/bus/pci/devices"

// Device is one PCI device with its SR-IOV capability.
type Device struct {
	Address  string
	Vendor   string
	Product  string
	Driver   string
	TotalVFs int // 0 when the device is not SR-IOV capable
}

// NIC is one physical network interface.
type NIC struct {
	Name     string
	MAC      string
	Address  string // PCI address, empty for non-PCI NICs
	Driver   string
	TotalVFs int
}

// PCIDevices lists all PCI devices on the local host, annotated with
// the SR-IOV VF capacity read from sysfs.
func PCIDevices() ([]Device, error) {
	info, err := ghw.PCI()
	if err != nil {
		return nil, fmt.Errorf("failed to list PCI devices: %w", err)
	}

	devices := make([]Device, 0, len(info.Devices))
	for _, dev := range info.Devices {
		d := Device{Address: dev.Address, Driver: dev.Driver}
		if dev.Vendor != nil {
			d.Vendor = dev.Vendor.Name
		}
		if dev.Product != nil {
			d.Product = dev.Product.Name
		}
		d.TotalVFs = totalVFs(dev.Address)
		devices = append(devices, d)
	}

	return devices, nil
}

// NICs lists physical network interfaces on the local host joined with
// their PCI address, bound driver and SR-IOV VF capacity.
func NICs() ([]NIC, error) {
	info, err := ghw.Network()
	if err != nil {
		return nil, fmt.Errorf("failed to list network info: %w", err)
	}

	nics := make([]NIC, 0, len(info.NICs))
	for _, nic := range info.NICs {
		if nic.IsVirtual {
			continue
		}
		n := NIC{Name: nic.Name, MAC: nic.MacAddress}
		if nic.PCIAddress != nil {
			n.Address = *nic.PCIAddress
			n.Driver = driverFor(*nic.PCIAddress)
			n.TotalVFs = totalVFs(*nic.PCIAddress)
		}
		nics = append(nics, n)
	}

	return nics, nil
}

// VFDetails reads virtual function state for a local PF through
// netlink. The result has the same shape internal/netdev derives from
// `ip link show` on a managed host.
func VFDetails(iface string) ([]netdev.VFDetail, error) {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch link %s: %w", iface, err)
	}

	attrs := link.Attrs()
	details := make([]netdev.VFDetail, 0, len(attrs.Vfs))
	for _, vf := range attrs.Vfs {
		details = append(details, netdev.VFDetail{
			ID:       vf.ID,
			MAC:      vf.Mac.String(),
			Spoofchk: vf.Spoofchk,
			Trust:    vf.Trust != 0,
		})
	}

	return details, nil
}

// totalVFs reads sriov_totalvfs for a device. Devices without SR-IOV
// capability have no such file and report 0.
func totalVFs(addr string) int {
	raw, err := os.ReadFile(filepath.Join(devicePath, addr, "sriov_totalvfs"))
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0
	}
	return n
}

// driverFor resolves the driver symlink of a device to its name.
func driverFor(addr string) string {
	target, err := os.Readlink(filepath.Join(devicePath, addr, "driver"))
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}
