package alloc

import (
	"context"
	"sync"

	"github.com/jbweber/anvil/internal/netdev"
	"github.com/jbweber/anvil/internal/pci"
	"github.com/jbweber/anvil/internal/virsh"
)

// mockViews is a mock implementation of the Inventory, Details and
// DomainSource interfaces for testing.
type mockViews struct {
	mu sync.Mutex

	// Configurable behavior
	vfAddressesFunc      func(pf string) (map[int]pci.Address, error)
	vfAddressesByPCIFunc func(addr pci.Address) (map[int]pci.Address, error)
	vfDetailsFunc        func(iface string) ([]netdev.VFDetail, error)
	listVMsFunc          func(all bool) ([]virsh.VMRecord, error)
	dumpXMLFunc          func(vm string) (string, error)

	// Call tracking
	vfAddressesCalls []string
	dumpXMLCalls     []string
}

// newMockViews creates a mock with no VFs and no VMs.
func newMockViews() *mockViews {
	return &mockViews{
		vfAddressesFunc: func(pf string) (map[int]pci.Address, error) {
			return map[int]pci.Address{}, nil
		},
		vfAddressesByPCIFunc: func(addr pci.Address) (map[int]pci.Address, error) {
			return map[int]pci.Address{}, nil
		},
		vfDetailsFunc: func(iface string) ([]netdev.VFDetail, error) {
			return nil, nil
		},
		listVMsFunc: func(all bool) ([]virsh.VMRecord, error) {
			return nil, nil
		},
		dumpXMLFunc: func(vm string) (string, error) {
			return "<domain type='kvm'><name>" + vm + "</name></domain>", nil
		},
	}
}

func (m *mockViews) VFAddresses(ctx context.Context, pf string) (map[int]pci.Address, error) {
	m.mu.Lock()
	m.vfAddressesCalls = append(m.vfAddressesCalls, pf)
	f := m.vfAddressesFunc
	m.mu.Unlock()
	return f(pf)
}

func (m *mockViews) VFAddressesByPCI(ctx context.Context, addr pci.Address) (map[int]pci.Address, error) {
	return m.vfAddressesByPCIFunc(addr)
}

func (m *mockViews) VFDetails(ctx context.Context, iface string) ([]netdev.VFDetail, error) {
	return m.vfDetailsFunc(iface)
}

func (m *mockViews) ListVMs(ctx context.Context, all bool) ([]virsh.VMRecord, error) {
	return m.listVMsFunc(all)
}

func (m *mockViews) DumpXML(ctx context.Context, vm string) (string, error) {
	m.mu.Lock()
	m.dumpXMLCalls = append(m.dumpXMLCalls, vm)
	f := m.dumpXMLFunc
	m.mu.Unlock()
	return f(vm)
}
