// Package config loads the YAML description of a provisioning run: how
// many VMs to create, from which network data table, with which VM
// parameters and which cloud-init payload.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"

	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/jbweber/anvil/internal/hypervisor"
	"github.com/jbweber/anvil/internal/naming"
)

// Config represents one provisioning run.
//
// Two modes: with NetworkData set, Count VMs are created and each gets
// its name and MAC from a free table entry (Prefix required). Without
// it, a single VM is created from VM alone; setting IP derives the
// name and MAC from that address instead of the table.
type Config struct {
	NetworkData string `yaml:"network_data,omitempty"`
	Prefix      string `yaml:"prefix,omitempty"`
	Count       int    `yaml:"count,omitempty"`
	IP          string `yaml:"ip,omitempty"`

	// VM is the parameter template shared by every created VM.
	VM hypervisor.VMParams `yaml:"vm"`

	Network   *NetworkConfig   `yaml:"network,omitempty"`
	CloudInit *CloudInitConfig `yaml:"cloud_init,omitempty"`
}

// NetworkConfig carries the guest-side addressing shared by all VMs of
// a run; per-VM IPs come from the network data table or Config.IP.
type NetworkConfig struct {
	PrefixLen  int      `yaml:"prefix_len"`
	Gateway    string   `yaml:"gateway"`
	DNSServers []string `yaml:"dns_servers,omitempty"`
}

// CloudInitConfig contains cloud-init configuration.
// Follows cloud-init spec: https://cloudinit.readthedocs.io/
// Note: Hostname is derived from FQDN (everything before the first dot).
type CloudInitConfig struct {
	FQDN             string   `yaml:"fqdn,omitempty"`
	SSHKeys          []string `yaml:"ssh_keys,omitempty"`
	RootPasswordHash string   `yaml:"root_password_hash,omitempty"`
	SSHPwAuth        *bool    `yaml:"ssh_pwauth,omitempty"` // Pointer to distinguish unset vs false
}

// Validate checks the configuration for errors.
// Does not validate hypervisor resources (images, bridges, etc.) - only config structure.
func (c *Config) Validate() error {
	if c.Count < 0 {
		return fmt.Errorf("count must be >= 0, got %d", c.Count)
	}

	if c.NetworkData != "" {
		if c.Prefix == "" {
			return fmt.Errorf("prefix is required when network_data is set")
		}
		if c.IP != "" {
			return fmt.Errorf("ip and network_data cannot both be set")
		}
	} else {
		if c.Count > 1 {
			return fmt.Errorf("count > 1 requires network_data, got %d", c.Count)
		}
		if c.VM.Name == "" && (c.IP == "" || c.Prefix == "") {
			return fmt.Errorf("vm name is required (set vm.name, or ip together with prefix)")
		}
	}

	if c.VM.Name != "" {
		if err := validateName(c.VM.Name); err != nil {
			return fmt.Errorf("vm.name: %w", err)
		}
	}
	if c.Prefix != "" {
		if err := validateName(c.Prefix); err != nil {
			return fmt.Errorf("prefix: %w", err)
		}
	}

	if c.IP != "" {
		ip := net.ParseIP(c.IP)
		if ip == nil {
			return fmt.Errorf("invalid ip address %q", c.IP)
		}
		if ip.To4() == nil {
			return fmt.Errorf("ip must be IPv4, got %q", c.IP)
		}
	}

	if err := validateVMParams(&c.VM); err != nil {
		return fmt.Errorf("vm: %w", err)
	}

	if c.Network != nil {
		if err := c.Network.Validate(); err != nil {
			return fmt.Errorf("network: %w", err)
		}
	}

	if c.CloudInit != nil {
		if err := c.CloudInit.Validate(); err != nil {
			return fmt.Errorf("cloud_init: %w", err)
		}
	}

	return nil
}

// validateName checks a VM name or name prefix against libvirt domain
// name requirements: start and end alphanumeric, with alphanumerics,
// hyphens and underscores in between (after normalization to lowercase).
func validateName(name string) error {
	namePattern := `^[a-z0-9][a-z0-9_-]*[a-z0-9]$`
	if len(name) == 1 {
		// Single character names just need to be alphanumeric
		namePattern = `^[a-z0-9]$`
	}
	matched, err := regexp.MatchString(namePattern, name)
	if err != nil {
		return fmt.Errorf("name validation error: %w", err)
	}
	if !matched {
		return fmt.Errorf("must start and end with alphanumeric characters and contain only alphanumeric, hyphens, or underscores, got %q", name)
	}
	return nil
}

// validateVMParams checks the VM parameter template. Zero values are
// fine (CreateVM applies its own defaults); this rejects values that
// would build a broken virt-install command.
func validateVMParams(p *hypervisor.VMParams) error {
	if p.MemoryMB < 0 {
		return fmt.Errorf("memory must be >= 0, got %d", p.MemoryMB)
	}
	if p.CPUCount < 0 {
		return fmt.Errorf("cpu_count must be >= 0, got %d", p.CPUCount)
	}
	if p.Threads < 0 {
		return fmt.Errorf("threads must be >= 0, got %d", p.Threads)
	}
	if p.MAC != "" {
		if _, err := net.ParseMAC(p.MAC); err != nil {
			return fmt.Errorf("invalid mac_address %q: %w", p.MAC, err)
		}
	}
	if p.CloneTarget != "" && p.Disk == "" {
		return fmt.Errorf("clone_target requires disk")
	}
	switch p.Graphics {
	case "", "none", "vnc":
	default:
		return fmt.Errorf("graphics must be none or vnc, got %q", p.Graphics)
	}
	return nil
}

// Validate checks network addressing configuration.
func (n *NetworkConfig) Validate() error {
	if n.PrefixLen < 1 || n.PrefixLen > 32 {
		return fmt.Errorf("prefix_len must be in 1..32, got %d", n.PrefixLen)
	}
	if n.Gateway == "" {
		return fmt.Errorf("gateway is required")
	}
	if net.ParseIP(n.Gateway) == nil {
		return fmt.Errorf("invalid gateway IP address %q", n.Gateway)
	}
	for i, dns := range n.DNSServers {
		if net.ParseIP(dns) == nil {
			return fmt.Errorf("dns_servers[%d] is not a valid IP address: %q", i, dns)
		}
	}
	return nil
}

// Validate checks cloud-init configuration.
func (c *CloudInitConfig) Validate() error {
	// Validate FQDN format if provided
	if c.FQDN != "" {
		// FQDN must be a valid hostname with at least one dot
		// RFC 952/1123: alphanumeric and hyphens, labels separated by dots
		// Each label: 1-63 chars, start/end with alphanumeric
		fqdnPattern := `^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)+$`
		matched, err := regexp.MatchString(fqdnPattern, c.FQDN)
		if err != nil {
			return fmt.Errorf("fqdn validation error: %w", err)
		}
		if !matched {
			return fmt.Errorf("fqdn must be a valid hostname with domain (e.g., host.example.com), got %q", c.FQDN)
		}
	}

	// Validate SSH keys using golang.org/x/crypto/ssh parser
	for i, key := range c.SSHKeys {
		// ParseAuthorizedKey validates the key format and can parse all standard SSH key types
		_, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key))
		if err != nil {
			return fmt.Errorf("ssh_keys[%d] is not a valid SSH public key: %w", i, err)
		}
	}

	// Validate password hash format if provided
	if c.RootPasswordHash != "" {
		if len(c.RootPasswordHash) < 10 || c.RootPasswordHash[0] != '$' {
			return fmt.Errorf("root_password_hash must be a valid crypt hash (should start with $)")
		}
	}

	return nil
}

// Normalize sanitizes user input to consistent formats.
// This is called automatically by LoadFromFile before validation.
func (c *Config) Normalize() {
	c.VM.Name = strings.ToLower(strings.TrimSpace(c.VM.Name))
	c.Prefix = strings.ToLower(strings.TrimSpace(c.Prefix))
	c.VM.MAC = strings.ToLower(strings.TrimSpace(c.VM.MAC))

	// Normalize cloud-init FQDN to lowercase (hostname will be derived from this)
	if c.CloudInit != nil {
		c.CloudInit.FQDN = strings.ToLower(strings.TrimSpace(c.CloudInit.FQDN))
	}

	// Note: bridge names are NOT normalized - they must match hypervisor config exactly

	if c.Count == 0 {
		c.Count = 1
	}
}

// Derive fills the VM name and MAC from Config.IP when they are unset.
// This must be called after validation.
func (c *Config) Derive() error {
	if c.IP == "" {
		return nil
	}
	if c.VM.MAC == "" {
		mac, err := naming.MACFromIP(c.IP)
		if err != nil {
			return err
		}
		c.VM.MAC = mac
	}
	if c.VM.Name == "" && c.Prefix != "" {
		name, err := naming.NameFromIP(c.IP, c.Prefix)
		if err != nil {
			return err
		}
		c.VM.Name = name
	}
	return nil
}

// AddressCIDR joins a per-VM IP with the run's prefix length, for the
// guest's static network configuration. Without a Network section the
// IP is returned as-is.
func (c *Config) AddressCIDR(ip string) string {
	if c.Network == nil {
		return ip
	}
	return fmt.Sprintf("%s/%d", ip, c.Network.PrefixLen)
}

// LoadFromFile loads a provisioning run configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Normalize user input before validation
	config.Normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Fill in name and MAC derived from the static IP, if any
	if err := config.Derive(); err != nil {
		return nil, fmt.Errorf("failed to derive VM identity: %w", err)
	}

	return &config, nil
}
