package alloc

import (
	"context"
	"errors"
	"testing"

	"github.com/jbweber/anvil/internal/netdev"
	"github.com/jbweber/anvil/internal/pci"
	"github.com/jbweber/anvil/internal/virsh"
)

const vmHostdevDoc = `<domain type='kvm'>
  <name>vm-a</name>
  <devices>
    <hostdev mode='subsystem' type='pci' managed='yes'>
      <source>
        <address domain='0x0000' bus='0x18' slot='0x10' function='0x0'/>
      </source>
      <address type='pci' domain='0x0000' bus='0x00' slot='0x08' function='0x0'/>
    </hostdev>
  </devices>
</domain>`

const vmBridgeDoc = `<domain type='kvm'>
  <name>vm-b</name>
  <devices>
    <interface type='bridge'>
      <mac address='BE:EF:0A:0A:0A:05'/>
      <source bridge='br0'/>
      <model type='virtio'/>
    </interface>
  </devices>
</domain>`

const vmMdevDoc = `<domain type='kvm'>
  <name>vm-c</name>
  <devices>
    <hostdev mode='subsystem' type='mdev' managed='no' model='vfio-pci'>
      <source>
        <address uuid='97cef11e-ebaa-44a5-bf31-41340117e172'/>
      </source>
      <address type='pci' domain='0x0000' bus='0x00' slot='0x05' function='0x0'/>
    </hostdev>
  </devices>
</domain>`

func eth1Addresses(pf string) (map[int]pci.Address, error) {
	return map[int]pci.Address{
		0:  {Bus: 0x18, Slot: 0x10, Function: 0},
		1:  {Bus: 0x18, Slot: 0x10, Function: 1},
		2:  {Bus: 0x18, Slot: 0x10, Function: 2},
		25: {Bus: 0x18, Slot: 0x13, Function: 1},
	}, nil
}

func eth1Details(iface string) ([]netdev.VFDetail, error) {
	return []netdev.VFDetail{
		{ID: 0, MAC: "00:00:00:00:00:00", Spoofchk: true},
		{ID: 1, MAC: "be:ef:0a:0a:0a:05", Spoofchk: true},
		{ID: 2, MAC: "00:00:00:00:00:00"},
		{ID: 25, MAC: "aa:bb:cc:dd:ee:62", Trust: true},
	}, nil
}

func TestPCIForVF(t *testing.T) {
	mock := newMockViews()
	mock.vfAddressesFunc = eth1Addresses
	a := New(mock, mock, mock)

	addr, err := a.PCIForVF(context.Background(), "eth1", 25)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if addr != (pci.Address{Bus: 0x18, Slot: 0x13, Function: 1}) {
		t.Errorf("unexpected address: %v", addr)
	}
}

func TestPCIForVFNotFound(t *testing.T) {
	mock := newMockViews()
	mock.vfAddressesFunc = eth1Addresses
	a := New(mock, mock, mock)

	_, err := a.PCIForVF(context.Background(), "eth1", 5)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %T: %v", err, err)
	}
	if err.Error() != "Not matched VFs for interface eth1." {
		t.Errorf("unexpected error message: %q", err.Error())
	}
}

func TestVFIDForPCI(t *testing.T) {
	mock := newMockViews()
	mock.vfAddressesFunc = eth1Addresses
	a := New(mock, mock, mock)

	id, err := a.VFIDForPCI(context.Background(), "eth1", pci.Address{Bus: 0x18, Slot: 0x13, Function: 1})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if id != 25 {
		t.Errorf("expected id 25, got %d", id)
	}
}

func TestVFIDForPCINotFound(t *testing.T) {
	mock := newMockViews()
	mock.vfAddressesFunc = eth1Addresses
	a := New(mock, mock, mock)

	_, err := a.VFIDForPCI(context.Background(), "eth1", pci.Address{Bus: 0x5e})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if err.Error() != "Not matched VFs for interface eth1." {
		t.Errorf("unexpected error message: %q", err.Error())
	}
}

func TestVFIDForPCIByPF(t *testing.T) {
	mock := newMockViews()
	mock.vfAddressesByPCIFunc = func(addr pci.Address) (map[int]pci.Address, error) {
		return map[int]pci.Address{
			0:  {Bus: 0x5e, Slot: 0x0a, Function: 0},
			25: {Bus: 0x5e, Slot: 0x0a, Function: 0x19},
		}, nil
	}
	a := New(mock, mock, mock)

	id, err := a.VFIDForPCIByPF(context.Background(),
		pci.Address{Bus: 0x5e},
		pci.Address{Bus: 0x5e, Slot: 0x0a, Function: 0x19})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if id != 25 {
		t.Errorf("expected id 25, got %d", id)
	}
}

func TestVFIDForPCIByPFNotFound(t *testing.T) {
	mock := newMockViews()
	a := New(mock, mock, mock)

	_, err := a.VFIDForPCIByPF(context.Background(), pci.Address{Bus: 0x5e}, pci.Address{Bus: 0x5e, Slot: 0x0a})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if err.Error() != "Not matched VFs for PF PCI Address 0000:5e:00.0" {
		t.Errorf("unexpected error message: %q", err.Error())
	}
}

func TestVFIDForMAC(t *testing.T) {
	mock := newMockViews()
	mock.vfDetailsFunc = eth1Details
	a := New(mock, mock, mock)

	id, err := a.VFIDForMAC(context.Background(), "eth1", "AA:BB:CC:DD:EE:62")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if id != 25 {
		t.Errorf("expected id 25, got %d", id)
	}

	if _, err := a.VFIDForMAC(context.Background(), "eth1", "11:22:33:44:55:66"); err == nil {
		t.Fatal("expected error for unknown MAC")
	}
}

func TestIsAttachedByPCI(t *testing.T) {
	mock := newMockViews()
	mock.vfAddressesFunc = eth1Addresses
	mock.vfDetailsFunc = eth1Details
	mock.listVMsFunc = func(all bool) ([]virsh.VMRecord, error) {
		return []virsh.VMRecord{{ID: "1", Name: "vm-a", State: "running"}}, nil
	}
	mock.dumpXMLFunc = func(vm string) (string, error) {
		return vmHostdevDoc, nil
	}
	a := New(mock, mock, mock)

	attached, err := a.IsAttached(context.Background(), "eth1", 0)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !attached {
		t.Error("expected VF 0 to be attached via hostdev PCI")
	}

	attached, err = a.IsAttached(context.Background(), "eth1", 2)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if attached {
		t.Error("expected VF 2 to be free")
	}
}

func TestIsAttachedByMAC(t *testing.T) {
	mock := newMockViews()
	mock.vfAddressesFunc = eth1Addresses
	mock.vfDetailsFunc = eth1Details
	mock.listVMsFunc = func(all bool) ([]virsh.VMRecord, error) {
		return []virsh.VMRecord{{ID: "2", Name: "vm-b", State: "running"}}, nil
	}
	mock.dumpXMLFunc = func(vm string) (string, error) {
		return vmBridgeDoc, nil
	}
	a := New(mock, mock, mock)

	attached, err := a.IsAttached(context.Background(), "eth1", 1)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !attached {
		t.Error("expected VF 1 to be attached via bridge MAC")
	}
}

func TestIsAttachedNoVMs(t *testing.T) {
	mock := newMockViews()
	mock.vfAddressesFunc = eth1Addresses
	mock.vfDetailsFunc = eth1Details
	a := New(mock, mock, mock)

	attached, err := a.IsAttached(context.Background(), "eth1", 0)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if attached {
		t.Error("expected no attachments with no VMs defined")
	}
}

func TestFreeAndUsedVFs(t *testing.T) {
	mock := newMockViews()
	mock.vfAddressesFunc = eth1Addresses
	mock.vfDetailsFunc = eth1Details
	mock.listVMsFunc = func(all bool) ([]virsh.VMRecord, error) {
		return []virsh.VMRecord{
			{ID: "1", Name: "vm-a", State: "running"},
			{ID: "2", Name: "vm-b", State: "running"},
		}, nil
	}
	mock.dumpXMLFunc = func(vm string) (string, error) {
		if vm == "vm-a" {
			return vmHostdevDoc, nil
		}
		return vmBridgeDoc, nil
	}
	a := New(mock, mock, mock)
	ctx := context.Background()

	free, err := a.FreeVFs(ctx, "eth1")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	// VF 0 is held by vm-a's hostdev, VF 1 by vm-b's bridge MAC.
	wantFree := []int{2, 25}
	if len(free) != len(wantFree) {
		t.Fatalf("expected %d free VFs, got %+v", len(wantFree), free)
	}
	for i, id := range wantFree {
		if free[i].ID != id {
			t.Errorf("free[%d]: expected id %d, got %d", i, id, free[i].ID)
		}
	}

	used, err := a.UsedVFs(ctx, "eth1")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	wantUsed := []int{0, 1}
	if len(used) != len(wantUsed) {
		t.Fatalf("expected %d used VFs, got %+v", len(wantUsed), used)
	}
	for i, id := range wantUsed {
		if used[i].ID != id {
			t.Errorf("used[%d]: expected id %d, got %d", i, id, used[i].ID)
		}
	}
}

func TestAttachmentsByPCI(t *testing.T) {
	mock := newMockViews()
	mock.listVMsFunc = func(all bool) ([]virsh.VMRecord, error) {
		return []virsh.VMRecord{{ID: "1", Name: "vm-a", State: "running"}}, nil
	}
	mock.dumpXMLFunc = func(vm string) (string, error) {
		return vmHostdevDoc, nil
	}
	a := New(mock, mock, mock)

	byPCI, err := a.AttachmentsByPCI(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	holders := byPCI[pci.Address{Bus: 0x18, Slot: 0x10, Function: 0}]
	if len(holders) != 1 || holders[0] != "vm-a" {
		t.Errorf("unexpected holders: %v", holders)
	}
}

func TestAttachmentsSkipsUnreadableVM(t *testing.T) {
	mock := newMockViews()
	mock.listVMsFunc = func(all bool) ([]virsh.VMRecord, error) {
		return []virsh.VMRecord{
			{ID: "1", Name: "vm-a", State: "running"},
			{ID: "-", Name: "vm-gone", State: "shut off"},
		}, nil
	}
	mock.dumpXMLFunc = func(vm string) (string, error) {
		if vm == "vm-gone" {
			return "", errors.New("domain not found")
		}
		return vmHostdevDoc, nil
	}
	a := New(mock, mock, mock)

	attachments, err := a.Attachments(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if _, ok := attachments["vm-a"]; !ok {
		t.Error("expected vm-a in attachments")
	}
	if _, ok := attachments["vm-gone"]; ok {
		t.Error("expected vm-gone to be skipped")
	}
}

func TestFreeMdevs(t *testing.T) {
	mock := newMockViews()
	mock.listVMsFunc = func(all bool) ([]virsh.VMRecord, error) {
		return []virsh.VMRecord{{ID: "3", Name: "vm-c", State: "running"}}, nil
	}
	mock.dumpXMLFunc = func(vm string) (string, error) {
		return vmMdevDoc, nil
	}
	a := New(mock, mock, mock)

	free, err := a.FreeMdevs(context.Background(), []string{
		"97cef11e-ebaa-44a5-bf31-41340117e172",
		"ea684326-0dce-43da-8a5a-6e61740fc2e0",
	})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if len(free) != 1 || free[0] != "ea684326-0dce-43da-8a5a-6e61740fc2e0" {
		t.Errorf("unexpected free mdevs: %v", free)
	}
}
