package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/anvil/internal/domxml"
	"github.com/jbweber/anvil/internal/pci"
	"github.com/jbweber/anvil/internal/run"
)

// DefaultMdevType is the mediated device type created when the caller
// does not name one.
const DefaultMdevType = "ice-vdcm"

// newUUID is swapped in tests for a fixed id.
var newUUID = uuid.New

// Image clones run in the background while the copy progress is
// reported. Variables so tests can shrink the schedule.
var (
	cloneTimeout       = 1000 * time.Second
	cloneCheckInterval = 30 * time.Second
)

// Guests get what is left after the host's reserve, clamped per VM.
var (
	ramReserveMB = 10000
	ramVMMinMB   = 2000
	ramVMMaxMB   = 10000
)

// VMParams describes one VM for CreateVM and CreateVMFromXML. The zero
// value plus a name is a valid diskless, network-booting VM.
type VMParams struct {
	Name      string `yaml:"name"`
	MemoryMB  int    `yaml:"memory"`
	CPUCount  int    `yaml:"cpu_count"`
	Threads   int    `yaml:"threads"`
	Machine   string `yaml:"machine"`
	OSVariant string `yaml:"os_variant"`
	CPUModel  string `yaml:"cpu_model"`
	Arch      string `yaml:"arch"`

	MAC    string `yaml:"mac_address"`
	Bridge string `yaml:"bridge"`

	Disk        string `yaml:"disk"`
	DiskBus     string `yaml:"disk_bus"`
	CloneDisk   bool   `yaml:"clone_disk"`
	CloneTarget string `yaml:"clone_target"`

	Boot         string `yaml:"boot"`
	Graphics     string `yaml:"graphics"`
	CloudInitISO string `yaml:"cloud_init_iso"`
	VMXMLFile    string `yaml:"vm_xml_file"`
}

func (p VMParams) withDefaults() VMParams {
	if p.MemoryMB == 0 {
		p.MemoryMB = 1024
	}
	if p.CPUCount == 0 {
		p.CPUCount = 2
	}
	if p.Machine == "" {
		p.Machine = "pc"
	}
	if p.Bridge == "" {
		p.Bridge = "br0"
	}
	if p.Graphics == "" {
		p.Graphics = "none"
	}
	return p
}

// CreateVM builds a VM with virt-install and returns its name. When
// params name a clone target directory, the disk image is cloned there
// first and the clone becomes the VM's disk.
//
// Newer virt-install releases reject commands older ones accepted; the
// two known refusals (mandatory osinfo, mandatory install method) are
// retried once each with the compatibility flag appended.
func (h *Hypervisor) CreateVM(ctx context.Context, params VMParams) (string, error) {
	params = params.withDefaults()

	diskPath := params.Disk
	if diskPath != "" && params.CloneTarget != "" {
		cloned, err := h.CloneVMImage(ctx, diskPath, path.Join(params.CloneTarget, params.Name), 0)
		if err != nil {
			return "", err
		}
		diskPath = cloned
	}

	line := virtInstallCommand(params, diskPath)
	for attempt := 0; ; attempt++ {
		_, err := h.runner.Run(ctx, line)
		if err == nil {
			return params.Name, nil
		}
		var cmdErr *run.CommandError
		if !errors.As(err, &cmdErr) || attempt >= 2 {
			return "", err
		}
		switch {
		case strings.Contains(cmdErr.Stderr, "--os-variant/--osinfo") && !strings.Contains(line, "--osinfo "):
			line += " --osinfo detect=on,require=off"
		case strings.Contains(cmdErr.Stderr, "An install method must be specified") && !strings.Contains(line, "--import"):
			line += " --import"
		default:
			return "", err
		}
		logrus.WithError(err).Debugf("virt-install refused the command, retrying with a compatibility flag")
	}
}

func virtInstallCommand(p VMParams, diskPath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "virt-install --name=%s --memory=%d", p.Name, p.MemoryMB)
	if p.Threads > 0 {
		fmt.Fprintf(&b, " --vcpus=%d,threads=%d", p.CPUCount, p.Threads)
	} else {
		fmt.Fprintf(&b, " --vcpus=%d", p.CPUCount)
	}
	fmt.Fprintf(&b, " --machine=%s --noautoconsole", p.Machine)

	b.WriteString(" --network=bridge:" + p.Bridge)
	if p.MAC != "" {
		b.WriteString(",mac=" + strings.ToLower(p.MAC))
	}
	b.WriteString(",model=virtio")

	if p.OSVariant != "" {
		b.WriteString(" --os-variant=" + p.OSVariant)
	}
	if p.CPUModel != "" {
		b.WriteString(" --cpu " + p.CPUModel)
	}
	if diskPath == "" {
		b.WriteString(" --disk=none")
	} else {
		b.WriteString(" --disk path=" + diskPath)
		if p.DiskBus != "" {
			b.WriteString(",bus=" + p.DiskBus)
		}
	}
	if p.CloudInitISO != "" {
		b.WriteString(" --disk path=" + p.CloudInitISO + ",device=cdrom")
	}
	if p.Arch != "" {
		b.WriteString(" --arch " + p.Arch)
	}
	boot := p.Boot
	if boot == "" {
		if diskPath == "" {
			boot = "network,hd,uefi"
		} else {
			boot = "hd,uefi"
		}
	}
	b.WriteString(" --boot=" + boot)
	b.WriteString(" --graphics " + p.Graphics)

	// Guests this wide need the virtual IOMMU and the userspace ioapic
	// or the extra vCPUs never come online.
	if p.CPUCount >= 256 {
		b.WriteString(" --iommu model=intel,driver.intremap=on,driver.eim=on,driver.caching_mode=on")
		b.WriteString(" --features apic=on,ioapic.driver=qemu")
	}
	return b.String()
}

// CreateVMFromXML defines a VM from an XML template file. The template
// is copied to /tmp and its <VM_UUID> marker replaced with a fresh
// uuid, so the same template can define any number of VMs. Returns the
// VM name.
func (h *Hypervisor) CreateVMFromXML(ctx context.Context, params VMParams) (string, error) {
	target := fmt.Sprintf("/tmp/%s.xml", params.Name)
	if _, err := h.runner.Run(ctx, fmt.Sprintf("cp %s %s", params.VMXMLFile, target)); err != nil {
		return "", fmt.Errorf("copying %s: %w", params.VMXMLFile, err)
	}
	id := newUUID()
	if _, err := h.runner.Run(ctx, fmt.Sprintf("sed -i 's/<VM_UUID>/%s/g' %s", id, target)); err != nil {
		return "", fmt.Errorf("substituting uuid in %s: %w", target, err)
	}
	if params.CloneDisk && params.Disk != "" && params.CloneTarget != "" {
		if _, err := h.CloneVMImage(ctx, params.Disk, path.Join(params.CloneTarget, params.Name), 0); err != nil {
			return "", err
		}
	}
	if _, err := h.virsh.Define(ctx, target); err != nil {
		return "", err
	}
	return params.Name, nil
}

// CloneVMImage copies a disk image and returns the destination path.
// The copy runs in the background; progress is logged every check
// interval until it finishes or the timeout (default 1000s) expires.
func (h *Hypervisor) CloneVMImage(ctx context.Context, src, dst string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = cloneTimeout
	}
	if _, err := h.runner.Run(ctx, "test -f "+src); err != nil {
		var cmdErr *run.CommandError
		if errors.As(err, &cmdErr) {
			return "", fmt.Errorf("Not found %s in system.", src)
		}
		return "", err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := h.runner.Run(ctx, fmt.Sprintf("cp %s %s", src, dst))
		done <- err
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(cloneCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if err != nil {
				return "", fmt.Errorf("cloning %s: %w", src, err)
			}
			return dst, nil
		case <-deadline.C:
			return "", fmt.Errorf("Cloning image %s not finished in given timeout: %d", src, int(timeout.Seconds()))
		case <-ticker.C:
			h.logCloneProgress(ctx, src, dst)
		}
	}
}

func (h *Hypervisor) logCloneProgress(ctx context.Context, src, dst string) {
	srcSize := h.fileSize(ctx, src)
	dstSize := h.fileSize(ctx, dst)
	if srcSize <= 0 {
		return
	}
	logrus.Debugf("still cloning... %d %%, next check in 30secs.", dstSize*100/srcSize)
}

// fileSize tolerates a missing file: the clone destination does not
// exist until cp creates it.
func (h *Hypervisor) fileSize(ctx context.Context, p string) int {
	res, err := h.runner.Run(ctx, "stat -c %s "+p, 0, 1)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return 0
	}
	return n
}

// DynamicRAM sizes per-VM memory for vmCount VMs from the host's free
// RAM, holding back the host's reserve and clamping each VM's share to
// [2000, 10000] MB.
func (h *Hypervisor) DynamicRAM(ctx context.Context, vmCount int) (int, error) {
	if vmCount < 1 {
		return 0, fmt.Errorf("vm count must be positive, got %d", vmCount)
	}
	res, err := h.runner.Run(ctx, `awk '/MemFree/ { print $2 }' /proc/meminfo`, 0, 1)
	if err != nil {
		return 0, err
	}
	out := strings.TrimSpace(res.Stdout)
	if out == "" {
		logrus.Debug("There's not output from awk, proceeding with default 2000 MB")
		return ramVMMinMB, nil
	}
	freeKB, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("unexpected awk output %q: %w", out, err)
	}
	avail := freeKB/1000 - ramReserveMB
	if avail <= 0 {
		return 0, errors.New("Not enough free RAM on SUT for VM.")
	}
	perVM := avail / vmCount
	if perVM < ramVMMinMB {
		perVM = ramVMMinMB
	}
	if perVM > ramVMMaxMB {
		perVM = ramVMMaxMB
	}
	return perVM, nil
}

// CreateMdev creates a mediated device on the parent PCI device and,
// when fileToSave is set, writes the matching attach-device fragment
// there. An empty mdevUUID gets a fresh one, an empty mdevType uses
// DefaultMdevType. Returns the uuid.
func (h *Hypervisor) CreateMdev(ctx context.Context, mdevUUID string, parent pci.Address, mdevType, fileToSave string) (string, error) {
	if mdevUUID == "" {
		mdevUUID = newUUID().String()
	}
	if mdevType == "" {
		mdevType = DefaultMdevType
	}
	if err := h.sysfs.CreateMdev(ctx, mdevUUID, parent, mdevType); err != nil {
		return "", err
	}
	if fileToSave != "" {
		content, err := domxml.MdevHostdevXML(mdevUUID)
		if err != nil {
			return "", err
		}
		if err := h.writeFile(ctx, fileToSave, content); err != nil {
			return "", err
		}
	}
	return mdevUUID, nil
}

// DestroyMdev removes a mediated device by uuid.
func (h *Hypervisor) DestroyMdev(ctx context.Context, mdevUUID string) error {
	return h.sysfs.DestroyMdev(ctx, mdevUUID)
}
