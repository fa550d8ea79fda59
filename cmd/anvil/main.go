package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jbweber/anvil/internal/hypervisor"
	"github.com/jbweber/anvil/internal/libvirt"
	"github.com/jbweber/anvil/internal/output"
	"github.com/jbweber/anvil/internal/run"
	"github.com/jbweber/anvil/internal/vm"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "anvil",
	Short: "Anvil - KVM hypervisor management tool",
	Long: `Anvil manages KVM hypervisors and their SR-IOV network devices.

It creates VMs with virt-install, attaches and detaches virtual
functions, manages mediated devices, and inspects the host's PCI
inventory. Commands run against the local machine by default;
--host user@host runs them on a remote hypervisor over SSH.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verboseFlag {
			logrus.SetLevel(logrus.DebugLevel)
		}
		return output.ValidateFormat(outputFlag)
	},
}

var (
	hostFlag      string
	sshKeyFlag    string
	outputFlag    string
	noHeadersFlag bool
	verboseFlag   bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&hostFlag, "host", "", "managed hypervisor as [user@]host[:port] (default: run locally)")
	rootCmd.PersistentFlags().StringVar(&sshKeyFlag, "ssh-key", "", "SSH private key for --host (default: ~/.ssh/id_rsa)")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "table", "output format: table, yaml, json")
	rootCmd.PersistentFlags().BoolVar(&noHeadersFlag, "no-headers", false, "omit headers in table output")
	rootCmd.PersistentFlags().BoolVar(&verboseFlag, "verbose", false, "enable debug logging")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(testConnCmd)
	rootCmd.AddCommand(vmCmd)
	rootCmd.AddCommand(vfCmd)
	rootCmd.AddCommand(mdevCmd)
	rootCmd.AddCommand(hostCmd)
	rootCmd.AddCommand(netCmd)
}

// newRunner builds the command runner selected by --host: an SSH
// connection to the managed hypervisor, or local execution when the
// flag is unset. The closer is a no-op for local runners.
func newRunner() (run.Runner, func(), error) {
	if hostFlag == "" {
		return run.NewLocal(), func() {}, nil
	}

	user, addr := "root", hostFlag
	if i := strings.Index(hostFlag, "@"); i >= 0 {
		user, addr = hostFlag[:i], hostFlag[i+1:]
	}
	if !strings.Contains(addr, ":") {
		addr += ":22"
	}

	keyPath := sshKeyFlag
	if keyPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to locate home directory: %w", err)
		}
		keyPath = filepath.Join(home, ".ssh", "id_rsa")
	}

	config, err := run.KeyConfig(user, keyPath)
	if err != nil {
		return nil, nil, err
	}
	conn, err := run.DialSSH(addr, config)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if closeErr := conn.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close SSH connection: %v\n", closeErr)
		}
	}
	return conn, closer, nil
}

// newHypervisor builds a hypervisor client over the selected runner.
func newHypervisor() (*hypervisor.Hypervisor, func(), error) {
	r, closer, err := newRunner()
	if err != nil {
		return nil, nil, err
	}
	return hypervisor.New(r), closer, nil
}

// printList renders a record list with the formatter selected by
// --output and --no-headers.
func printList(list output.List) error {
	f, err := output.NewFormatter(output.Options{
		Format:    output.Format(outputFlag),
		NoHeaders: noHeadersFlag,
	})
	if err != nil {
		return err
	}
	s, err := f.FormatList(list)
	if err != nil {
		return err
	}
	fmt.Print(s)
	return nil
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List VMs",
	Long: `List all virtual machines on the hypervisor.

Without --host the local libvirt daemon is queried directly and the
listing includes vCPU, memory and autostart details. With --host the
listing comes from virsh on the managed host.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		if hostFlag == "" {
			vms, err := vm.List(ctx)
			if err != nil {
				return fmt.Errorf("failed to list VMs: %w", err)
			}
			list := make(output.VMList, 0, len(vms))
			for _, v := range vms {
				list = append(list, output.VMRecord{
					Name:      v.Name,
					State:     v.State,
					Autostart: v.Autostart,
					CPUs:      v.CPUs,
					MemoryMB:  v.MemoryMB,
				})
			}
			return printList(list)
		}

		h, closer, err := newHypervisor()
		if err != nil {
			return err
		}
		defer closer()

		records, err := h.ListVMs(ctx, true)
		if err != nil {
			return fmt.Errorf("failed to list VMs: %w", err)
		}
		list := make(output.DomainList, 0, len(records))
		for _, r := range records {
			list = append(list, output.DomainRecord{ID: r.ID, Name: r.Name, State: r.State})
		}
		return printList(list)
	},
}

var testConnCmd = &cobra.Command{
	Use:   "test-conn",
	Short: "Test hypervisor connection",
	Long: `Test connectivity to the hypervisor.

Without --host this connects to the local libvirt daemon and displays
version information. With --host it establishes the SSH connection and
round-trips a virsh call.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if hostFlag != "" {
			return testRemoteConn()
		}

		fmt.Println("Testing libvirt connection...")

		client, err := libvirt.Connect("", 5*time.Second)
		if err != nil {
			return fmt.Errorf("failed to connect to libvirt: %w", err)
		}
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close libvirt connection: %v\n", closeErr)
			}
		}()

		fmt.Println("✓ Connected to libvirt daemon")

		if err := client.Ping(); err != nil {
			return fmt.Errorf("connection test failed: %w", err)
		}

		libVersion, err := client.Libvirt().ConnectGetLibVersion()
		if err != nil {
			return fmt.Errorf("failed to get libvirt version: %w", err)
		}

		// Libvirt returns the version as an integer like 8006000 for 8.6.0
		major := libVersion / 1000000
		minor := (libVersion % 1000000) / 1000
		patch := libVersion % 1000

		fmt.Printf("✓ Libvirt version: %d.%d.%d\n", major, minor, patch)

		hostname, err := client.Libvirt().ConnectGetHostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}

		fmt.Printf("✓ Hypervisor hostname: %s\n", hostname)

		uri, err := client.Libvirt().ConnectGetUri()
		if err != nil {
			return fmt.Errorf("failed to get connection URI: %w", err)
		}

		fmt.Printf("✓ Connection URI: %s\n", uri)

		fmt.Println("\nConnection test successful!")
		return nil
	},
}

// testRemoteConn establishes the SSH connection and round-trips a
// virsh call on the managed host.
func testRemoteConn() error {
	fmt.Printf("Testing connection to %s...\n", hostFlag)

	h, closer, err := newHypervisor()
	if err != nil {
		return err
	}
	defer closer()

	fmt.Println("✓ SSH connection established")

	ctx := context.Background()
	virshVersion, err := h.Virsh().Version(ctx)
	if err != nil {
		return fmt.Errorf("virsh round trip failed: %w", err)
	}
	fmt.Printf("✓ virsh version: %s\n", virshVersion)

	names, err := h.VMNames(ctx)
	if err != nil {
		return fmt.Errorf("failed to list VMs: %w", err)
	}
	fmt.Printf("✓ %d defined VM(s)\n", len(names))

	fmt.Println("\nConnection test successful!")
	return nil
}
