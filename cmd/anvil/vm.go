package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jbweber/anvil/internal/cloudinit"
	"github.com/jbweber/anvil/internal/config"
	"github.com/jbweber/anvil/internal/hypervisor"
)

var vmCmd = &cobra.Command{
	Use:   "vm",
	Short: "Manage virtual machines",
	Long:  `Create, clone, control and inspect virtual machines on the hypervisor.`,
}

func init() {
	vmCmd.AddCommand(vmCreateCmd)
	vmCmd.AddCommand(vmCloneCmd)
	vmCmd.AddCommand(vmStartCmd)
	vmCmd.AddCommand(vmShutdownCmd)
	vmCmd.AddCommand(vmDestroyCmd)
	vmCmd.AddCommand(vmDeleteCmd)
	vmCmd.AddCommand(vmWaitCmd)
	vmCmd.AddCommand(vmIPCmd)
	vmCmd.AddCommand(vmSetVcpusCmd)

	vmCreateCmd.Flags().BoolVar(&createDynamicRAM, "dynamic-ram", false, "size VM memory from the host's free RAM")
	vmCreateCmd.Flags().DurationVar(&createWait, "wait", 0, "wait for the VM to reach running state")
	vmCloneCmd.Flags().DurationVar(&cloneTimeout, "timeout", 0, "abort the copy after this long (default 1000s)")
	vmShutdownCmd.Flags().DurationVar(&shutdownTimeout, "timeout", 2*time.Minute, "destroy the VM if it has not shut down by then")
	vmWaitCmd.Flags().StringVar(&waitState, "state", "running", "domain state to wait for")
	vmWaitCmd.Flags().DurationVar(&waitTimeout, "timeout", 5*time.Minute, "give up after this long")
	vmIPCmd.Flags().StringVar(&ipNetwork, "network", "", "resolve from this libvirt network's DHCP leases instead of the guest agent")
	vmSetVcpusCmd.Flags().BoolVar(&setVcpusMax, "max", false, "set the maximum vcpu count (VM must be shut off)")
}

var (
	createDynamicRAM bool
	createWait       time.Duration
	cloneTimeout     time.Duration
	shutdownTimeout  time.Duration
	waitState        string
	waitTimeout      time.Duration
	ipNetwork        string
	setVcpusMax      bool
)

var vmCreateCmd = &cobra.Command{
	Use:   "create <config.yaml>",
	Short: "Create VMs from a configuration file",
	Long: `Create virtual machines from a YAML configuration file.

The configuration defines the VM parameters (CPU, memory, disk,
bridge), optional static addressing and an optional cloud-init
payload. With network_data set, count VMs are created and each takes
its name and MAC from a free table entry; otherwise a single VM is
created.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := args[0]
		fmt.Printf("Creating VM from config: %s\n", configPath)

		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return err
		}

		h, closer, err := newHypervisor()
		if err != nil {
			return err
		}
		defer closer()

		ctx := context.Background()

		if createDynamicRAM {
			mem, err := h.DynamicRAM(ctx, cfg.Count)
			if err != nil {
				return fmt.Errorf("failed to size VM memory: %w", err)
			}
			fmt.Printf("Dynamic RAM: %d MiB per VM\n", mem)
			cfg.VM.MemoryMB = mem
		}

		if cfg.NetworkData != "" {
			created, err := h.CreateMultipleVMs(ctx, cfg.Count, cfg.VM, cfg.NetworkData, cfg.Prefix)
			if err != nil {
				return fmt.Errorf("failed to create VMs: %w", err)
			}
			for _, nv := range created {
				fmt.Printf("✓ Created %s (%s)\n", nv.Name, nv.IP)
			}
			return nil
		}

		params := cfg.VM
		if cfg.CloudInit != nil {
			isoPath, err := pushCloudInitISO(ctx, h, cfg)
			if err != nil {
				return err
			}
			params.CloudInitISO = isoPath
		}

		var name string
		if params.VMXMLFile != "" {
			name, err = h.CreateVMFromXML(ctx, params)
		} else {
			name, err = h.CreateVM(ctx, params)
		}
		if err != nil {
			return fmt.Errorf("failed to create VM: %w", err)
		}

		if createWait > 0 && !h.WaitForVMUp(ctx, name, createWait) {
			return fmt.Errorf("VM %s did not come up within %s", name, createWait)
		}

		fmt.Printf("✓ VM %s created successfully\n", name)
		return nil
	},
}

// pushCloudInitISO builds the seed ISO for the run's single VM and
// writes it onto the managed host. Returns the remote path.
func pushCloudInitISO(ctx context.Context, h *hypervisor.Hypervisor, cfg *config.Config) (string, error) {
	inst := cloudinit.Instance{
		Name:             cfg.VM.Name,
		FQDN:             cfg.CloudInit.FQDN,
		SSHKeys:          cfg.CloudInit.SSHKeys,
		RootPasswordHash: cfg.CloudInit.RootPasswordHash,
	}
	if cfg.CloudInit.SSHPwAuth != nil {
		inst.SSHPwAuth = *cfg.CloudInit.SSHPwAuth
	}
	if cfg.IP != "" && cfg.VM.MAC != "" {
		iface := cloudinit.Interface{
			MAC:         cfg.VM.MAC,
			AddressCIDR: cfg.AddressCIDR(cfg.IP),
		}
		if cfg.Network != nil {
			iface.Gateway = cfg.Network.Gateway
			iface.DNSServers = cfg.Network.DNSServers
		}
		inst.Interfaces = []cloudinit.Interface{iface}
	}

	iso, err := cloudinit.GenerateISO(inst)
	if err != nil {
		return "", fmt.Errorf("failed to build cloud-init ISO: %w", err)
	}
	path := fmt.Sprintf("/var/lib/libvirt/images/%s-seed.iso", cfg.VM.Name)
	if err := h.PushFile(ctx, path, iso); err != nil {
		return "", fmt.Errorf("failed to push cloud-init ISO: %w", err)
	}
	return path, nil
}

var vmCloneCmd = &cobra.Command{
	Use:   "clone <src-image> <dst-image>",
	Short: "Clone a VM disk image",
	Long: `Copy a disk image on the hypervisor.

The copy runs on the managed host; progress is reported until it
completes or the timeout expires.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, closer, err := newHypervisor()
		if err != nil {
			return err
		}
		defer closer()

		fmt.Printf("Cloning %s to %s...\n", args[0], args[1])
		dst, err := h.CloneVMImage(context.Background(), args[0], args[1], cloneTimeout)
		if err != nil {
			return fmt.Errorf("failed to clone image: %w", err)
		}
		fmt.Printf("✓ Cloned to %s\n", dst)
		return nil
	},
}

var vmStartCmd = &cobra.Command{
	Use:   "start <vm-name>",
	Short: "Start a VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, closer, err := newHypervisor()
		if err != nil {
			return err
		}
		defer closer()

		if err := h.Start(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ VM %s started\n", args[0])
		return nil
	},
}

var vmShutdownCmd = &cobra.Command{
	Use:   "shutdown <vm-name>",
	Short: "Shut down a VM",
	Long: `Shut a VM down gracefully and wait for it to stop.

A guest that ignores the shutdown request within the timeout is
destroyed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, closer, err := newHypervisor()
		if err != nil {
			return err
		}
		defer closer()

		stopped, err := h.StopVM(context.Background(), args[0], shutdownTimeout)
		if err != nil {
			return err
		}
		if !stopped {
			return fmt.Errorf("VM %s did not stop within %s", args[0], shutdownTimeout)
		}
		fmt.Printf("✓ VM %s shut off\n", args[0])
		return nil
	},
}

var vmDestroyCmd = &cobra.Command{
	Use:   "destroy <vm-name>",
	Short: "Hard-stop a VM",
	Long: `Hard-stop a VM, the virtual equivalent of pulling the power cord.

The domain definition is kept; use "vm delete" to remove it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, closer, err := newHypervisor()
		if err != nil {
			return err
		}
		defer closer()

		if err := h.Destroy(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ VM %s destroyed\n", args[0])
		return nil
	},
}

var vmDeleteCmd = &cobra.Command{
	Use:   "delete <vm-name>",
	Short: "Delete a VM definition",
	Long: `Remove a VM definition from the hypervisor.

A running VM is destroyed first. Disk images are not touched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, closer, err := newHypervisor()
		if err != nil {
			return err
		}
		defer closer()

		if err := h.Delete(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ VM %s deleted\n", args[0])
		return nil
	},
}

var vmWaitCmd = &cobra.Command{
	Use:   "wait <vm-name>",
	Short: "Wait for a VM to reach a state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, closer, err := newHypervisor()
		if err != nil {
			return err
		}
		defer closer()

		if !h.WaitForState(context.Background(), args[0], waitState, waitTimeout) {
			return fmt.Errorf("timed out waiting for VM %s to reach %q", args[0], waitState)
		}
		fmt.Printf("✓ VM %s is %s\n", args[0], waitState)
		return nil
	},
}

var vmIPCmd = &cobra.Command{
	Use:   "ip <vm-name>",
	Short: "Print a VM's management IP",
	Long: `Print the VM's management IP address.

The QEMU guest agent is asked for the address of the domain's
management MAC. For guests without the agent, --network reads the
address from that libvirt network's DHCP lease table instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, closer, err := newHypervisor()
		if err != nil {
			return err
		}
		defer closer()

		ctx := context.Background()

		var ip string
		if ipNetwork != "" {
			mac, err := h.MgmtMAC(ctx, args[0])
			if err != nil {
				return err
			}
			ip, err = h.MgmtIPFromLeases(ctx, ipNetwork, mac, 0)
			if err != nil {
				return err
			}
		} else {
			var err error
			ip, err = h.GuestMgmtIP(ctx, args[0])
			if err != nil {
				return err
			}
		}
		fmt.Println(ip)
		return nil
	},
}

var vmSetVcpusCmd = &cobra.Command{
	Use:   "set-vcpus <vm-name> <count>",
	Short: "Change a VM's vCPU count",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, err := strconv.Atoi(args[1])
		if err != nil || count < 1 {
			return fmt.Errorf("invalid vcpu count %q", args[1])
		}

		h, closer, err := newHypervisor()
		if err != nil {
			return err
		}
		defer closer()

		ctx := context.Background()
		if setVcpusMax {
			err = h.SetVcpusMax(ctx, args[0], count)
		} else {
			err = h.SetVcpus(ctx, args[0], count)
		}
		if err != nil {
			return err
		}
		fmt.Printf("✓ VM %s vcpus set to %d\n", args[0], count)
		return nil
	},
}
