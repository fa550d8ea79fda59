package domxml

import (
	"fmt"

	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/anvil/internal/pci"
)

// HostdevXML renders the attach-device fragment for direct PCI
// passthrough of addr.
func HostdevXML(addr pci.Address, managed bool) (string, error) {
	managedStr := "no"
	if managed {
		managedStr = "yes"
	}
	hd := libvirtxml.DomainHostdev{
		Managed: managedStr,
		SubsysPCI: &libvirtxml.DomainHostdevSubsysPCI{
			Source: &libvirtxml.DomainHostdevSubsysPCISource{
				Address: pciToXML(addr),
			},
		},
	}
	out, err := hd.Marshal()
	if err != nil {
		return "", fmt.Errorf("building hostdev xml: %w", err)
	}
	return out, nil
}

// MdevHostdevXML renders the attach-device fragment for a mediated
// device.
func MdevHostdevXML(uuid string) (string, error) {
	return Render(DefaultMdevTemplate, map[string]string{"uuid": uuid})
}

// PCIControllerXML renders a pcie-root-port controller fragment at the
// given guest address.
func PCIControllerXML(index, chassis, port int, addr pci.Address) (string, error) {
	return Render(DefaultControllerTemplate, ControllerSubstitutions(index, chassis, port, addr))
}

// InterfaceXML renders a bridge-backed virtio interface fragment. An
// empty mac lets libvirt generate one.
func InterfaceXML(bridge, mac string) (string, error) {
	iface := libvirtxml.DomainInterface{
		Source: &libvirtxml.DomainInterfaceSource{
			Bridge: &libvirtxml.DomainInterfaceSourceBridge{Bridge: bridge},
		},
		Model: &libvirtxml.DomainInterfaceModel{Type: "virtio"},
	}
	if mac != "" {
		iface.MAC = &libvirtxml.DomainInterfaceMAC{Address: mac}
	}
	out, err := iface.Marshal()
	if err != nil {
		return "", fmt.Errorf("building interface xml: %w", err)
	}
	return out, nil
}

func pciToXML(addr pci.Address) *libvirtxml.DomainAddressPCI {
	domain := uint(addr.Domain)
	bus := uint(addr.Bus)
	slot := uint(addr.Slot)
	function := uint(addr.Function)
	return &libvirtxml.DomainAddressPCI{
		Domain:   &domain,
		Bus:      &bus,
		Slot:     &slot,
		Function: &function,
	}
}
