// Package domxml inspects and builds libvirt domain device documents.
//
// Inspection works on dumpxml text and reports attachments the way the
// allocator needs them: bridge interfaces by MAC, PCI passthrough by
// host and guest address, mediated devices by UUID. Builders produce
// the fragments attach-device expects, either from libvirtxml structs
// or by rendering a placeholder template.
package domxml

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/anvil/internal/pci"
)

// Kind classifies how a device is attached to a VM.
type Kind string

const (
	// KindBridge covers interfaces backed by a host bridge, a libvirt
	// network or macvtap. Shared media, identified by MAC.
	KindBridge Kind = "bridge"
	// KindPCI covers direct PCI passthrough, either a <hostdev> or an
	// <interface type='hostdev'>. Exclusive, identified by PCI address.
	KindPCI Kind = "pci"
	// KindMdev covers mediated devices. Exclusive, identified by UUID.
	KindMdev Kind = "mdev"
)

// Binding is one attachment discovered in a domain document.
type Binding struct {
	Kind     Kind
	MAC      string
	Network  string
	HostPCI  *pci.Address
	GuestPCI *pci.Address
	MdevUUID string
}

// PCIPair couples the host address a device came from with the guest
// address it shows up at.
type PCIPair struct {
	Host  pci.Address
	Guest pci.Address
}

// MdevDetail is a mediated device attachment: the host-side UUID and
// the guest-visible PCI address.
type MdevDetail struct {
	UUID  string
	Guest pci.Address
}

// Parse unmarshals dumpxml output.
func Parse(doc string) (*libvirtxml.Domain, error) {
	dom := &libvirtxml.Domain{}
	if err := dom.Unmarshal(doc); err != nil {
		return nil, fmt.Errorf("parsing domain xml: %w", err)
	}
	return dom, nil
}

// InterfaceBindings lists every attachment in a domain document. The
// result is the ground truth for "is this VF or mdev in use": sysfs
// says what exists on the host, this says what a VM currently holds.
func InterfaceBindings(doc string) ([]Binding, error) {
	dom, err := Parse(doc)
	if err != nil {
		return nil, err
	}

	var bindings []Binding
	if dom.Devices == nil {
		return bindings, nil
	}

	for _, iface := range dom.Devices.Interfaces {
		b := Binding{Kind: KindBridge}
		if iface.MAC != nil {
			b.MAC = strings.ToLower(iface.MAC.Address)
		}
		if src := iface.Source; src != nil {
			switch {
			case src.Bridge != nil:
				b.Network = src.Bridge.Bridge
			case src.Network != nil:
				b.Network = src.Network.Network
			case src.Direct != nil:
				b.Network = src.Direct.Dev
			case src.Hostdev != nil:
				b.Kind = KindPCI
				if src.Hostdev.PCI != nil {
					if addr, ok := pciFromXML(src.Hostdev.PCI.Address); ok {
						b.HostPCI = &addr
					}
				}
			}
		}
		if addr, ok := guestPCI(iface.Address); ok {
			b.GuestPCI = &addr
		}
		bindings = append(bindings, b)
	}

	for _, hd := range dom.Devices.Hostdevs {
		switch {
		case hd.SubsysPCI != nil:
			b := Binding{Kind: KindPCI}
			if hd.SubsysPCI.Source != nil {
				if addr, ok := pciFromXML(hd.SubsysPCI.Source.Address); ok {
					b.HostPCI = &addr
				}
			}
			if addr, ok := guestPCI(hd.Address); ok {
				b.GuestPCI = &addr
			}
			bindings = append(bindings, b)
		case hd.SubsysMDev != nil:
			b := Binding{Kind: KindMdev}
			if hd.SubsysMDev.Source != nil && hd.SubsysMDev.Source.Address != nil {
				b.MdevUUID = hd.SubsysMDev.Source.Address.UUID
			}
			if addr, ok := guestPCI(hd.Address); ok {
				b.GuestPCI = &addr
			}
			bindings = append(bindings, b)
		}
	}
	return bindings, nil
}

// HostdevPCIPairs extracts the (host, guest) address pairs of every
// PCI passthrough hostdev in the document.
func HostdevPCIPairs(doc string) ([]PCIPair, error) {
	dom, err := Parse(doc)
	if err != nil {
		return nil, err
	}

	var pairs []PCIPair
	for _, hd := range hostdevs(dom) {
		if hd.SubsysPCI == nil {
			continue
		}
		var src *libvirtxml.DomainAddressPCI
		if hd.SubsysPCI.Source != nil {
			src = hd.SubsysPCI.Source.Address
		}
		host, ok := pciFromXML(src)
		if !ok {
			return nil, errors.New("PCI not found in xml!")
		}
		guest, ok := guestPCI(hd.Address)
		if !ok {
			return nil, errors.New("PCI not found in xml!")
		}
		logrus.Debugf("VM: %s, Host VF PCI: %s, VM VF PCI: %s", dom.Name, host, guest)
		pairs = append(pairs, PCIPair{Host: host, Guest: guest})
	}
	if len(pairs) == 0 {
		return nil, errors.New("Interface with Host VF and VM VF not found in xml!")
	}
	return pairs, nil
}

// MdevDetails extracts the (uuid, guest address) pairs of every
// mediated-device hostdev in the document.
func MdevDetails(doc string) ([]MdevDetail, error) {
	dom, err := Parse(doc)
	if err != nil {
		return nil, err
	}

	var details []MdevDetail
	for _, hd := range hostdevs(dom) {
		if hd.SubsysMDev == nil {
			continue
		}
		src := hd.SubsysMDev.Source
		if src == nil || src.Address == nil || src.Address.UUID == "" {
			return nil, errors.New("Interface with MDEV does not contains UUID!")
		}
		guest, ok := guestPCI(hd.Address)
		if !ok {
			return nil, errors.New("PCI not found in xml!")
		}
		logrus.Debugf("VM: %s, Host UUID: %s, VM VF PCI: %s", dom.Name, src.Address.UUID, guest)
		details = append(details, MdevDetail{UUID: src.Address.UUID, Guest: guest})
	}
	if len(details) == 0 {
		return nil, errors.New("Interface with MDEV not found in xml!")
	}
	return details, nil
}

// HDDPath returns the backing file of the first disk in the document.
func HDDPath(doc string) (string, error) {
	dom, err := Parse(doc)
	if err != nil {
		return "", err
	}
	if dom.Devices != nil {
		for _, disk := range dom.Devices.Disks {
			if disk.Source != nil && disk.Source.File != nil && disk.Source.File.File != "" {
				return disk.Source.File.File, nil
			}
		}
	}
	return "", errors.New("HDD path for domain not found in dumped xml!")
}

// MACs returns the MAC addresses of every interface, lowercased.
func MACs(doc string) ([]string, error) {
	bindings, err := InterfaceBindings(doc)
	if err != nil {
		return nil, err
	}
	var macs []string
	for _, b := range bindings {
		if b.MAC != "" {
			macs = append(macs, b.MAC)
		}
	}
	return macs, nil
}

// Networks returns the bridge and network names interfaces connect to.
func Networks(doc string) ([]string, error) {
	bindings, err := InterfaceBindings(doc)
	if err != nil {
		return nil, err
	}
	var nets []string
	for _, b := range bindings {
		if b.Network != "" {
			nets = append(nets, b.Network)
		}
	}
	return nets, nil
}

func hostdevs(dom *libvirtxml.Domain) []libvirtxml.DomainHostdev {
	if dom.Devices == nil {
		return nil
	}
	return dom.Devices.Hostdevs
}

// pciFromXML requires all four address attributes; libvirt always
// writes them, so a partial address means a malformed document.
func pciFromXML(a *libvirtxml.DomainAddressPCI) (pci.Address, bool) {
	if a == nil || a.Domain == nil || a.Bus == nil || a.Slot == nil || a.Function == nil {
		return pci.Address{}, false
	}
	return pci.Address{
		Domain:   uint16(*a.Domain),
		Bus:      uint8(*a.Bus),
		Slot:     uint8(*a.Slot),
		Function: uint8(*a.Function),
	}, true
}

func guestPCI(a *libvirtxml.DomainAddress) (pci.Address, bool) {
	if a == nil {
		return pci.Address{}, false
	}
	return pciFromXML(a.PCI)
}
