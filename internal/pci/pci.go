// Package pci provides the PCI address value type shared across the
// SR-IOV, passthrough, and mediated-device code paths.
package pci

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Address identifies a PCI device by domain:bus:slot.function.
//
// Equality is field equality: two addresses parsed from differently
// formatted strings ("0000:18:10.1", "18:10.1", "pci_0000_18_10_1")
// compare equal when they name the same device. Never compare the
// rendered string forms, which vary in padding and case between tools.
type Address struct {
	Domain   uint16
	Bus      uint8
	Slot     uint8
	Function uint8
}

// Function numbers are hex and may exceed 7: ARI-capable SR-IOV
// devices expose VFs like 0000:5e:0a.19 (function 0x19).
var (
	fullBDFRe  = regexp.MustCompile(`^(?:0x)?([0-9a-fA-F]{1,4}):(?:0x)?([0-9a-fA-F]{1,2}):(?:0x)?([0-9a-fA-F]{1,2})\.(?:0x)?([0-9a-fA-F]{1,2})$`)
	shortBDFRe = regexp.MustCompile(`^(?:0x)?([0-9a-fA-F]{1,2}):(?:0x)?([0-9a-fA-F]{1,2})\.(?:0x)?([0-9a-fA-F]{1,2})$`)
	nodeNameRe = regexp.MustCompile(`^(?:pci_)?([0-9a-fA-F]{4})_([0-9a-fA-F]{2})_([0-9a-fA-F]{2})_([0-9a-fA-F]{1,2})$`)
)

// Parse accepts the common textual forms of a PCI address:
//
//	0000:18:10.1      full BDF
//	18:10.1           short BDF (domain 0000)
//	pci_0000_18_10_1  libvirt node device name
//
// Hex digits may carry a 0x prefix and leading zeros may be omitted.
func Parse(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if m := fullBDFRe.FindStringSubmatch(s); m != nil {
		return fromHexParts(m[1], m[2], m[3], m[4])
	}
	if m := shortBDFRe.FindStringSubmatch(s); m != nil {
		return fromHexParts("0", m[1], m[2], m[3])
	}
	if m := nodeNameRe.FindStringSubmatch(s); m != nil {
		return fromHexParts(m[1], m[2], m[3], m[4])
	}
	return Address{}, fmt.Errorf("unrecognized PCI address %q", s)
}

func fromHexParts(domain, bus, slot, function string) (Address, error) {
	d, err := strconv.ParseUint(domain, 16, 16)
	if err != nil {
		return Address{}, fmt.Errorf("invalid PCI domain %q: %w", domain, err)
	}
	b, err := strconv.ParseUint(bus, 16, 8)
	if err != nil {
		return Address{}, fmt.Errorf("invalid PCI bus %q: %w", bus, err)
	}
	sl, err := strconv.ParseUint(slot, 16, 8)
	if err != nil {
		return Address{}, fmt.Errorf("invalid PCI slot %q: %w", slot, err)
	}
	f, err := strconv.ParseUint(function, 16, 8)
	if err != nil {
		return Address{}, fmt.Errorf("invalid PCI function %q: %w", function, err)
	}
	return Address{
		Domain:   uint16(d),
		Bus:      uint8(b),
		Slot:     uint8(sl),
		Function: uint8(f),
	}, nil
}

// String renders the canonical full BDF form, e.g. "0000:18:10.1".
func (a Address) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", a.Domain, a.Bus, a.Slot, a.Function)
}

// ShortBDF renders the domainless form used by lspci, e.g. "18:10.1".
func (a Address) ShortBDF() string {
	return fmt.Sprintf("%02x:%02x.%x", a.Bus, a.Slot, a.Function)
}

// NodeDeviceName renders the libvirt node device name, e.g. "pci_0000_18_10_1".
func (a Address) NodeDeviceName() string {
	return fmt.Sprintf("pci_%04x_%02x_%02x_%x", a.Domain, a.Bus, a.Slot, a.Function)
}

// SysfsEscaped renders the full BDF with colons escaped for use in shell
// commands against sysfs paths, e.g. `0000\:b9\:00.0`.
func (a Address) SysfsEscaped() string {
	return strings.ReplaceAll(a.String(), ":", `\:`)
}
