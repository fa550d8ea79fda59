package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jbweber/anvil/internal/domxml"
	"github.com/jbweber/anvil/internal/hypervisor"
	"github.com/jbweber/anvil/internal/netdev"
	"github.com/jbweber/anvil/internal/output"
)

var vfCmd = &cobra.Command{
	Use:   "vf",
	Short: "Manage SR-IOV virtual functions",
	Long: `Inspect and manage the virtual functions of an SR-IOV physical
function, and attach them to VMs as PCI hostdevs.`,
}

func init() {
	vfCmd.AddCommand(vfListCmd)
	vfCmd.AddCommand(vfFreeCmd)
	vfCmd.AddCommand(vfAttachedCmd)
	vfCmd.AddCommand(vfAttachCmd)
	vfCmd.AddCommand(vfDetachCmd)
	vfCmd.AddCommand(vfSetCountCmd)
	vfCmd.AddCommand(vfTrunkCmd)
}

// vfList maps VF details to their presentation records.
func vfList(vfs []netdev.VFDetail) output.VFList {
	list := make(output.VFList, 0, len(vfs))
	for _, vf := range vfs {
		list = append(list, output.VFRecord{
			ID:       vf.ID,
			MAC:      vf.MAC,
			Spoofchk: vf.Spoofchk,
			Trust:    vf.Trust,
		})
	}
	return list
}

var vfListCmd = &cobra.Command{
	Use:   "list <pf>",
	Short: "List the VFs of a physical function",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, closer, err := newHypervisor()
		if err != nil {
			return err
		}
		defer closer()

		vfs, err := h.Allocator().ListVFs(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printList(vfList(vfs))
	},
}

var vfFreeCmd = &cobra.Command{
	Use:   "free <pf>",
	Short: "List VFs not attached to any VM",
	Long: `List the virtual functions of a physical function that no defined VM
holds, by PCI address or by MAC.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, closer, err := newHypervisor()
		if err != nil {
			return err
		}
		defer closer()

		vfs, err := h.Allocator().FreeVFs(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printList(vfList(vfs))
	},
}

// bindingSource renders the host-side identity of a binding: PCI
// address for hostdevs, UUID for mdevs, network and MAC for bridges.
func bindingSource(b domxml.Binding) string {
	switch b.Kind {
	case domxml.KindPCI:
		if b.HostPCI != nil {
			return b.HostPCI.String()
		}
	case domxml.KindMdev:
		return b.MdevUUID
	case domxml.KindBridge:
		if b.Network != "" {
			return fmt.Sprintf("%s/%s", b.Network, b.MAC)
		}
		return b.MAC
	}
	return ""
}

var vfAttachedCmd = &cobra.Command{
	Use:   "attached [vm-name]",
	Short: "List device attachments across VMs",
	Long: `List the network device attachments of every defined VM, or of one
VM: bridge interfaces, PCI hostdevs and mediated devices.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, closer, err := newHypervisor()
		if err != nil {
			return err
		}
		defer closer()

		attachments, err := h.Allocator().Attachments(context.Background())
		if err != nil {
			return err
		}

		names := make([]string, 0, len(attachments))
		for name := range attachments {
			if len(args) == 1 && name != args[0] {
				continue
			}
			names = append(names, name)
		}
		sort.Strings(names)

		var list output.AttachmentList
		for _, name := range names {
			for _, b := range attachments[name] {
				rec := output.AttachmentRecord{
					VM:     name,
					Kind:   string(b.Kind),
					Source: bindingSource(b),
				}
				if b.GuestPCI != nil {
					rec.Guest = b.GuestPCI.String()
				}
				list = append(list, rec)
			}
		}
		return printList(list)
	},
}

var vfAttachCmd = &cobra.Command{
	Use:   "attach <vm-name> <pf> <vf-id>",
	Short: "Attach a VF to a VM",
	Long: `Attach a virtual function to a VM as a PCI hostdev.

The device XML is built from the VF's PCI address, attached live and
persistently, and the attachment is verified against the domain XML.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		vfID, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid VF id %q", args[2])
		}

		h, closer, err := newHypervisor()
		if err != nil {
			return err
		}
		defer closer()

		fmt.Printf("Attaching VF %d of %s to %s...\n", vfID, args[1], args[0])
		status, err := h.AttachVF(context.Background(), args[0], args[1], vfID)
		if err != nil {
			return fmt.Errorf("failed to attach VF: %w", err)
		}
		if status == hypervisor.StatusVerified {
			fmt.Printf("✓ VF %d attached to %s (verified)\n", vfID, args[0])
		} else {
			fmt.Printf("VF %d attach issued, not yet visible in the domain XML (%s)\n", vfID, status)
		}
		return nil
	},
}

var vfDetachCmd = &cobra.Command{
	Use:   "detach <vm-name> <pf> <vf-id>",
	Short: "Detach a VF from a VM",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		vfID, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid VF id %q", args[2])
		}

		h, closer, err := newHypervisor()
		if err != nil {
			return err
		}
		defer closer()

		fmt.Printf("Detaching VF %d of %s from %s...\n", vfID, args[1], args[0])
		status, err := h.DetachVF(context.Background(), args[0], args[1], vfID)
		if err != nil {
			return fmt.Errorf("failed to detach VF: %w", err)
		}
		if status == hypervisor.StatusVerified {
			fmt.Printf("✓ VF %d detached from %s (verified)\n", vfID, args[0])
		} else {
			fmt.Printf("VF %d detach issued, device still in the domain XML (%s)\n", vfID, status)
		}
		return nil
	},
}

var vfSetCountCmd = &cobra.Command{
	Use:   "set-count <pf> <count>",
	Short: "Set the number of VFs of a physical function",
	Long: `Set the number of virtual functions exposed by a physical function.

The driver requires writing 0 before any other value; that reset
happens automatically. The result is confirmed by counting the PF's
virtfn links.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 {
			return fmt.Errorf("invalid VF count %q", args[1])
		}

		h, closer, err := newHypervisor()
		if err != nil {
			return err
		}
		defer closer()

		ctx := context.Background()
		if err := h.Sysfs().SetNumVFs(ctx, args[0], n); err != nil {
			return err
		}
		got, err := h.Sysfs().CheckNumVFs(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ %s now exposes %d VF(s)\n", args[0], got)
		return nil
	},
}

var vfTrunkCmd = &cobra.Command{
	Use:   "trunk <pf> <vf-id> <add|rm> <vlan>",
	Short: "Edit a VF's trunk VLAN set",
	Long: `Add a VLAN to or remove one from a VF's trunk, then show the
resulting trunk configuration.`,
	Args: cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		vfID, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid VF id %q", args[1])
		}
		action := args[2]
		if action != "add" && action != "rm" {
			return fmt.Errorf("action must be add or rm, got %q", action)
		}
		vlan, err := strconv.Atoi(args[3])
		if err != nil {
			return fmt.Errorf("invalid VLAN %q", args[3])
		}

		h, closer, err := newHypervisor()
		if err != nil {
			return err
		}
		defer closer()

		ctx := context.Background()
		if err := h.Sysfs().SetTrunk(ctx, args[0], vfID, action, vlan); err != nil {
			return err
		}
		trunk, err := h.Sysfs().Trunk(ctx, args[0], vfID)
		if err != nil {
			return err
		}
		fmt.Printf("✓ VF %d trunk: %s\n", vfID, trunk)
		return nil
	},
}
