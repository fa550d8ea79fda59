package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/anvil/internal/hypervisor"
	"github.com/jbweber/anvil/internal/output"
	"github.com/jbweber/anvil/internal/pci"
)

var mdevCmd = &cobra.Command{
	Use:   "mdev",
	Short: "Manage mediated devices",
	Long: `Create, list and remove mediated devices carved out of an
SR-IOV capable parent device.`,
}

func init() {
	mdevCmd.AddCommand(mdevCreateCmd)
	mdevCmd.AddCommand(mdevDestroyCmd)
	mdevCmd.AddCommand(mdevListCmd)

	mdevCreateCmd.Flags().StringVar(&mdevUUID, "uuid", "", "UUID for the new device (default: generated)")
	mdevCreateCmd.Flags().StringVar(&mdevType, "type", hypervisor.DefaultMdevType, "mdev type to instantiate")
	mdevCreateCmd.Flags().StringVar(&mdevSaveFile, "save-to", "", "write the matching attach-device XML to this file on the host")
	mdevListCmd.Flags().BoolVar(&mdevFreeOnly, "free", false, "only devices no VM references")
}

var (
	mdevUUID     string
	mdevType     string
	mdevSaveFile string
	mdevFreeOnly bool
)

var mdevCreateCmd = &cobra.Command{
	Use:   "create <parent-pci-address>",
	Short: "Create a mediated device",
	Long: `Create a mediated device under the given parent PCI device.

The UUID is generated unless --uuid is given. With --save-to, the
attach-device XML fragment for the new device is written to that file
on the host, ready for "virsh attach-device".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		parent, err := pci.Parse(args[0])
		if err != nil {
			return err
		}

		h, closer, err := newHypervisor()
		if err != nil {
			return err
		}
		defer closer()

		created, err := h.CreateMdev(context.Background(), mdevUUID, parent, mdevType, mdevSaveFile)
		if err != nil {
			return fmt.Errorf("failed to create mdev: %w", err)
		}
		fmt.Printf("✓ Created mdev %s\n", created)
		return nil
	},
}

var mdevDestroyCmd = &cobra.Command{
	Use:   "destroy <uuid>",
	Short: "Remove a mediated device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, closer, err := newHypervisor()
		if err != nil {
			return err
		}
		defer closer()

		if err := h.DestroyMdev(context.Background(), args[0]); err != nil {
			return fmt.Errorf("failed to destroy mdev: %w", err)
		}
		fmt.Printf("✓ Destroyed mdev %s\n", args[0])
		return nil
	},
}

var mdevListCmd = &cobra.Command{
	Use:   "list",
	Short: "List mediated devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, closer, err := newHypervisor()
		if err != nil {
			return err
		}
		defer closer()

		ctx := context.Background()
		uuids, err := h.Sysfs().MdevUUIDs(ctx)
		if err != nil {
			return err
		}
		if mdevFreeOnly {
			uuids, err = h.Allocator().FreeMdevs(ctx, uuids)
			if err != nil {
				return err
			}
		}

		list := make(output.MdevList, 0, len(uuids))
		for _, id := range uuids {
			rec := output.MdevRecord{UUID: id}
			if parent, err := h.Sysfs().MdevParentPCI(ctx, id); err == nil {
				rec.Parent = parent.String()
			}
			list = append(list, rec)
		}
		return printList(list)
	},
}
