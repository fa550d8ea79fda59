package output

import (
	"fmt"
	"strconv"
)

// The record types below are presentation shapes: commands map domain
// types (vm.VMInfo, virsh.VMRecord, netdev.VFDetail, hostpci devices,
// netdata.Entry) into them before formatting.

// VMRecord is one VM on the local hypervisor.
type VMRecord struct {
	Name      string `json:"name" yaml:"name"`
	State     string `json:"state" yaml:"state"`
	Autostart bool   `json:"autostart" yaml:"autostart"`
	CPUs      uint16 `json:"cpus" yaml:"cpus"`
	MemoryMB  uint64 `json:"memory_mb" yaml:"memory_mb"`
}

// VMList is a list of VMs from the local libvirt socket.
type VMList []VMRecord

func (l VMList) TableHeaders() []string {
	return []string{"NAME", "STATE", "AUTOSTART", "CPUs", "MEMORY"}
}

func (l VMList) TableRows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, r := range l {
		rows = append(rows, []string{
			r.Name, r.State, yesNo(r.Autostart),
			strconv.Itoa(int(r.CPUs)), fmt.Sprintf("%d MiB", r.MemoryMB),
		})
	}
	return rows
}

// DomainRecord is one domain as reported by `virsh list` on a managed host.
type DomainRecord struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	State string `json:"state" yaml:"state"`
}

// DomainList is a list of domains on a managed host.
type DomainList []DomainRecord

func (l DomainList) TableHeaders() []string {
	return []string{"ID", "NAME", "STATE"}
}

func (l DomainList) TableRows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, r := range l {
		rows = append(rows, []string{dash(r.ID), r.Name, r.State})
	}
	return rows
}

// VFRecord is one virtual function of an SR-IOV physical function.
type VFRecord struct {
	ID       int    `json:"id" yaml:"id"`
	MAC      string `json:"mac" yaml:"mac"`
	Spoofchk bool   `json:"spoofchk" yaml:"spoofchk"`
	Trust    bool   `json:"trust" yaml:"trust"`
}

// VFList is a list of virtual functions.
type VFList []VFRecord

func (l VFList) TableHeaders() []string {
	return []string{"ID", "MAC", "SPOOFCHK", "TRUST"}
}

func (l VFList) TableRows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, r := range l {
		rows = append(rows, []string{
			strconv.Itoa(r.ID), r.MAC, onOff(r.Spoofchk), onOff(r.Trust),
		})
	}
	return rows
}

// AttachmentRecord is one guest device backed by a host resource.
// Source is the host side (PCI address, mdev UUID, or MAC for tap
// interfaces); Guest is the PCI address inside the VM when known.
type AttachmentRecord struct {
	VM     string `json:"vm" yaml:"vm"`
	Kind   string `json:"kind" yaml:"kind"`
	Source string `json:"source" yaml:"source"`
	Guest  string `json:"guest,omitempty" yaml:"guest,omitempty"`
}

// AttachmentList is a list of device attachments across VMs.
type AttachmentList []AttachmentRecord

func (l AttachmentList) TableHeaders() []string {
	return []string{"VM", "KIND", "SOURCE", "GUEST"}
}

func (l AttachmentList) TableRows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, r := range l {
		rows = append(rows, []string{r.VM, r.Kind, dash(r.Source), dash(r.Guest)})
	}
	return rows
}

// PCIRecord is one PCI device on the local host.
type PCIRecord struct {
	Address  string `json:"address" yaml:"address"`
	Vendor   string `json:"vendor" yaml:"vendor"`
	Product  string `json:"product" yaml:"product"`
	Driver   string `json:"driver,omitempty" yaml:"driver,omitempty"`
	TotalVFs int    `json:"total_vfs,omitempty" yaml:"total_vfs,omitempty"`
}

// PCIList is a list of local PCI devices.
type PCIList []PCIRecord

func (l PCIList) TableHeaders() []string {
	return []string{"ADDRESS", "VENDOR", "PRODUCT", "DRIVER", "VFS"}
}

func (l PCIList) TableRows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, r := range l {
		vfs := "-"
		if r.TotalVFs > 0 {
			vfs = strconv.Itoa(r.TotalVFs)
		}
		rows = append(rows, []string{r.Address, r.Vendor, r.Product, dash(r.Driver), vfs})
	}
	return rows
}

// NICRecord is one network interface on the local host.
type NICRecord struct {
	Name     string `json:"name" yaml:"name"`
	MAC      string `json:"mac,omitempty" yaml:"mac,omitempty"`
	Address  string `json:"address,omitempty" yaml:"address,omitempty"`
	Driver   string `json:"driver,omitempty" yaml:"driver,omitempty"`
	TotalVFs int    `json:"total_vfs,omitempty" yaml:"total_vfs,omitempty"`
}

// NICList is a list of local network interfaces.
type NICList []NICRecord

func (l NICList) TableHeaders() []string {
	return []string{"NAME", "MAC", "ADDRESS", "DRIVER", "VFS"}
}

func (l NICList) TableRows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, r := range l {
		vfs := "-"
		if r.TotalVFs > 0 {
			vfs = strconv.Itoa(r.TotalVFs)
		}
		rows = append(rows, []string{r.Name, dash(r.MAC), dash(r.Address), dash(r.Driver), vfs})
	}
	return rows
}

// NetDataRecord is one IP/MAC pair from a network data config.
type NetDataRecord struct {
	IP  string `json:"ip" yaml:"ip"`
	MAC string `json:"mac" yaml:"mac"`
}

// NetDataList is a list of network data entries.
type NetDataList []NetDataRecord

func (l NetDataList) TableHeaders() []string {
	return []string{"IP", "MAC"}
}

func (l NetDataList) TableRows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, r := range l {
		rows = append(rows, []string{r.IP, r.MAC})
	}
	return rows
}

// MdevRecord is one mediated device on a managed host.
type MdevRecord struct {
	UUID   string `json:"uuid" yaml:"uuid"`
	Parent string `json:"parent,omitempty" yaml:"parent,omitempty"`
}

// MdevList is a list of mediated devices.
type MdevList []MdevRecord

func (l MdevList) TableHeaders() []string {
	return []string{"UUID", "PARENT"}
}

func (l MdevList) TableRows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, r := range l {
		rows = append(rows, []string{r.UUID, dash(r.Parent)})
	}
	return rows
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
