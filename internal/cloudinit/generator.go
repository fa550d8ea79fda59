// Package cloudinit builds the NoCloud seed for provisioned VMs:
// user-data, meta-data and network-config, packed into the CIDATA ISO
// that the VM gets as a cdrom disk.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/datasources/nocloud.html
package cloudinit

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Instance describes one VM's seed: identity, access and static
// addressing. A name alone yields a minimal seed that leaves the guest
// on DHCP.
type Instance struct {
	// Name becomes the instance-id and, without an FQDN, the hostname.
	Name string
	// FQDN overrides the hostname; the first label becomes the hostname.
	FQDN             string
	SSHKeys          []string
	RootPasswordHash string
	SSHPwAuth        bool

	// Interfaces carries static addressing. Empty means no
	// network-config file is emitted.
	Interfaces []Interface
}

// Interface is one statically addressed guest NIC, matched by MAC.
type Interface struct {
	MAC         string
	AddressCIDR string
	// Gateway, when set, installs the default route via this interface.
	Gateway    string
	DNSServers []string
}

// UserData represents the cloud-config user-data structure.
// This is marshaled to YAML and prefixed with "#cloud-config" header.
//
// See https://cloudinit.readthedocs.io/en/latest/explanation/format.html#cloud-config-data
type UserData struct {
	Hostname          string    `yaml:"hostname"`
	FQDN              string    `yaml:"fqdn"`
	SSHAuthorizedKeys []string  `yaml:"ssh_authorized_keys,omitempty"`
	Chpasswd          *Chpasswd `yaml:"chpasswd,omitempty"`
	SSHPasswordAuth   bool      `yaml:"ssh_pwauth"`
	Output            *Output   `yaml:"output,omitempty"`
}

// Chpasswd configures user password settings.
type Chpasswd struct {
	Expire bool   `yaml:"expire"` // Whether to expire passwords on first login
	List   string `yaml:"list"`   // Format: "username:hash"
}

// Output configures cloud-init output logging.
type Output struct {
	All string `yaml:"all"`
}

// MetaData represents the cloud-init meta-data structure.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/datasources/nocloud.html
type MetaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

// NetworkConfig represents the netplan v2 network configuration.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/network-config-format-v2.html
type NetworkConfig struct {
	Version   int                       `yaml:"version"`
	Ethernets map[string]EthernetConfig `yaml:"ethernets"`
}

// EthernetConfig represents a single ethernet interface configuration.
type EthernetConfig struct {
	Match       MatchConfig   `yaml:"match"`
	Addresses   []string      `yaml:"addresses"`
	Routes      []RouteConfig `yaml:"routes,omitempty"`
	Nameservers *Nameservers  `yaml:"nameservers,omitempty"`
}

// MatchConfig matches an interface by MAC address.
type MatchConfig struct {
	MACAddress string `yaml:"macaddress"`
}

// RouteConfig represents a static route.
type RouteConfig struct {
	To  string `yaml:"to"`
	Via string `yaml:"via"`
}

// Nameservers represents DNS server configuration.
type Nameservers struct {
	Addresses []string `yaml:"addresses"`
}

// GenerateUserData generates the user-data YAML content for an instance.
//
// Returns the complete user-data file content including the "#cloud-config" header.
func GenerateUserData(inst Instance) (string, error) {
	if inst.Name == "" {
		return "", fmt.Errorf("instance name cannot be empty")
	}

	// Derive hostname from FQDN or instance name
	hostname := inst.Name
	fqdn := inst.Name
	if inst.FQDN != "" {
		fqdn = inst.FQDN
		// Extract hostname from FQDN (everything before first dot)
		hostname = strings.SplitN(fqdn, ".", 2)[0]
	}

	userData := UserData{
		Hostname:        hostname,
		FQDN:            fqdn,
		SSHPasswordAuth: inst.SSHPwAuth,
		Output: &Output{
			All: "| tee -a /var/log/cloud-init-output.log",
		},
	}

	if len(inst.SSHKeys) > 0 {
		userData.SSHAuthorizedKeys = inst.SSHKeys
	}

	if inst.RootPasswordHash != "" {
		userData.Chpasswd = &Chpasswd{
			Expire: false,
			List:   fmt.Sprintf("root:%s", inst.RootPasswordHash),
		}
	}

	yamlBytes, err := yaml.Marshal(&userData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal user-data to YAML: %w", err)
	}

	// Prepend #cloud-config header (required by cloud-init spec)
	return "#cloud-config\n" + string(yamlBytes), nil
}

// GenerateMetaData generates the meta-data YAML content for an instance.
//
// The instance-id is set to the VM name. Cloud-init uses instance-id to
// determine if this is a first boot. Using the VM name means cloud-init
// will re-run if the VM is destroyed and recreated with the same name.
func GenerateMetaData(inst Instance) (string, error) {
	if inst.Name == "" {
		return "", fmt.Errorf("instance name cannot be empty")
	}

	metaData := MetaData{
		InstanceID:    inst.Name,
		LocalHostname: inst.Name,
	}

	yamlBytes, err := yaml.Marshal(&metaData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal meta-data to YAML: %w", err)
	}

	return string(yamlBytes), nil
}

// GenerateNetworkConfig generates the network-config YAML content for
// an instance with static addressing.
//
// Uses netplan version 2 format with ethernet interfaces matched by MAC address.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/network-config-format-v2.html
func GenerateNetworkConfig(inst Instance) (string, error) {
	if len(inst.Interfaces) == 0 {
		return "", fmt.Errorf("at least one interface is required for network-config")
	}

	networkConfig := NetworkConfig{
		Version:   2,
		Ethernets: make(map[string]EthernetConfig),
	}

	for i, iface := range inst.Interfaces {
		ethName := fmt.Sprintf("eth%d", i)

		ethConfig := EthernetConfig{
			Match: MatchConfig{
				MACAddress: iface.MAC,
			},
			Addresses: []string{iface.AddressCIDR},
		}

		if iface.Gateway != "" {
			ethConfig.Routes = []RouteConfig{
				{
					To:  "0.0.0.0/0",
					Via: iface.Gateway,
				},
			}
		}

		if len(iface.DNSServers) > 0 {
			ethConfig.Nameservers = &Nameservers{
				Addresses: iface.DNSServers,
			}
		}

		networkConfig.Ethernets[ethName] = ethConfig
	}

	yamlBytes, err := yaml.Marshal(&networkConfig)
	if err != nil {
		return "", fmt.Errorf("failed to marshal network-config to YAML: %w", err)
	}

	return string(yamlBytes), nil
}
