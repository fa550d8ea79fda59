package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/anvil/internal/netdata"
	"github.com/jbweber/anvil/internal/output"
)

var netCmd = &cobra.Command{
	Use:   "net",
	Short: "Manage libvirt networks and network data",
}

func init() {
	netCmd.AddCommand(netDataCmd)
	netCmd.AddCommand(netCreateCmd)
	netCmd.AddCommand(netDestroyCmd)

	netDataCmd.Flags().BoolVar(&netDataFree, "free", false, "probe each IP and keep only free entries")
	netDataCmd.Flags().IntVar(&netDataCount, "count", 1, "number of free entries to collect with --free")
}

var (
	netDataFree  bool
	netDataCount int
)

var netDataCmd = &cobra.Command{
	Use:   "data <file>",
	Short: "Show a network data table",
	Long: `Parse a network data file and list its [kvm] entries.

With --free, the IPs are pinged through the selected runner and the
first --count entries that do not answer are shown. Fewer free entries
than requested is an error, same as during provisioning.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := netdata.LoadFromFile(args[0])
		if err != nil {
			return err
		}

		if netDataFree {
			r, closer, err := newRunner()
			if err != nil {
				return err
			}
			defer closer()

			entries, err = netdata.FreeEntries(context.Background(), r, entries, netDataCount)
			if err != nil {
				return err
			}
		}

		list := make(output.NetDataList, 0, len(entries))
		for _, e := range entries {
			list = append(list, output.NetDataRecord{IP: e.IP, MAC: e.MAC})
		}
		return printList(list)
	},
}

var netCreateCmd = &cobra.Command{
	Use:   "create <network.xml>",
	Short: "Create a transient libvirt network",
	Long: `Create a transient libvirt network from an XML definition.

The XML file path is resolved on the managed host. Creating a network
that is already active is not an error.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, closer, err := newHypervisor()
		if err != nil {
			return err
		}
		defer closer()

		created, err := h.CreateNetwork(context.Background(), args[0])
		if err != nil {
			return err
		}
		if created {
			fmt.Println("✓ Network created")
		} else {
			fmt.Println("Network already active")
		}
		return nil
	},
}

var netDestroyCmd = &cobra.Command{
	Use:   "destroy <name>",
	Short: "Destroy a libvirt network",
	Long: `Stop a libvirt network. Destroying a network that is not active is
not an error.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, closer, err := newHypervisor()
		if err != nil {
			return err
		}
		defer closer()

		destroyed, err := h.DestroyNetwork(context.Background(), args[0])
		if err != nil {
			return err
		}
		if destroyed {
			fmt.Printf("✓ Network %s destroyed\n", args[0])
		} else {
			fmt.Printf("Network %s not active\n", args[0])
		}
		return nil
	},
}
