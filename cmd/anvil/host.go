package main

import (
	"github.com/spf13/cobra"

	"github.com/jbweber/anvil/internal/hostpci"
	"github.com/jbweber/anvil/internal/output"
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Inspect the local host's hardware",
	Long: `Inspect PCI devices and network interfaces of the local machine.

These commands read the local kernel's interfaces directly and ignore
--host; run anvil on the hypervisor itself to inspect it.`,
}

func init() {
	hostCmd.AddCommand(hostPCICmd)
	hostCmd.AddCommand(hostNICsCmd)
	hostCmd.AddCommand(hostVFsCmd)

	hostPCICmd.Flags().BoolVar(&pciSRIOVOnly, "sriov", false, "only SR-IOV capable devices")
}

var pciSRIOVOnly bool

var hostPCICmd = &cobra.Command{
	Use:   "pci",
	Short: "List PCI devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := hostpci.PCIDevices()
		if err != nil {
			return err
		}

		list := make(output.PCIList, 0, len(devices))
		for _, d := range devices {
			if pciSRIOVOnly && d.TotalVFs == 0 {
				continue
			}
			list = append(list, output.PCIRecord{
				Address:  d.Address,
				Vendor:   d.Vendor,
				Product:  d.Product,
				Driver:   d.Driver,
				TotalVFs: d.TotalVFs,
			})
		}
		return printList(list)
	},
}

var hostNICsCmd = &cobra.Command{
	Use:   "nics",
	Short: "List physical network interfaces",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		nics, err := hostpci.NICs()
		if err != nil {
			return err
		}

		list := make(output.NICList, 0, len(nics))
		for _, n := range nics {
			list = append(list, output.NICRecord{
				Name:     n.Name,
				MAC:      n.MAC,
				Address:  n.Address,
				Driver:   n.Driver,
				TotalVFs: n.TotalVFs,
			})
		}
		return printList(list)
	},
}

var hostVFsCmd = &cobra.Command{
	Use:   "vfs <interface>",
	Short: "List an interface's VFs via netlink",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vfs, err := hostpci.VFDetails(args[0])
		if err != nil {
			return err
		}
		return printList(vfList(vfs))
	},
}
