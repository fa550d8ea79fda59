package cloudinit

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

// Test SSH keys (valid keys generated for testing)
const (
	testSSHKeyEd25519 = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIIbJKZscbOLzBsgY5y2QupKW4A2kSDjMBQGPb1dChr+S test@example.com"
	testSSHKeyRSA     = "ssh-rsa AAAAB3NzaC1yc2EAAAADAQABAAABAQCq7mGKPGMc36QAe7g1dJ8oGeDD1VnfBwdC3YAlp8zX3cQm8PEaaBUsKgVPigiFVWMwKTBpP2YWAjQaqyBIgFM7sneE8Ke3ouMS9GaOoFHMcorvX1N6oJtldL58D1vfGpHcBfwZiSFHxHZOZwG0Q0hCBJcoAiVtBUaubspLiXY/QgUZnw1JgbAsVuFdHxMsqSwi8NC6smVhg00T28TDubfgMZM02Uvd/qNZF6PzKxUhcCIY4zCHtsiMeN7njssKmjnuBLBlD51D19Rw6CbHsKOEskdpIHU+8o5debIwHk7c6Q0iOGTs/2lg/Rjzs+Us59NOTRB+jECEAbO0r19l//pr test-rsa@example.com"
)

func TestGenerateUserData(t *testing.T) {
	tests := []struct {
		name         string
		inst         Instance
		expectErr    bool
		checkContent func(t *testing.T, content string)
	}{
		{
			name:      "empty name",
			inst:      Instance{},
			expectErr: true,
		},
		{
			name: "minimal instance",
			inst: Instance{Name: "test-vm"},
			checkContent: func(t *testing.T, content string) {
				// Must start with #cloud-config
				if !strings.HasPrefix(content, "#cloud-config\n") {
					t.Error("user-data must start with '#cloud-config'")
				}

				var userData UserData
				if err := yaml.Unmarshal([]byte(strings.TrimPrefix(content, "#cloud-config\n")), &userData); err != nil {
					t.Fatalf("Failed to parse user-data YAML: %v", err)
				}

				if userData.Hostname != "test-vm" {
					t.Errorf("Expected hostname 'test-vm', got %q", userData.Hostname)
				}
				if userData.FQDN != "test-vm" {
					t.Errorf("Expected fqdn 'test-vm', got %q", userData.FQDN)
				}
				if userData.SSHPasswordAuth != false {
					t.Errorf("Expected ssh_pwauth false, got %v", userData.SSHPasswordAuth)
				}
				if userData.Output == nil || userData.Output.All != "| tee -a /var/log/cloud-init-output.log" {
					t.Error("Expected output logging to be configured")
				}
			},
		},
		{
			name: "with FQDN - hostname extraction",
			inst: Instance{
				Name: "test-vm",
				FQDN: "web01.prod.example.com",
			},
			checkContent: func(t *testing.T, content string) {
				var userData UserData
				if err := yaml.Unmarshal([]byte(strings.TrimPrefix(content, "#cloud-config\n")), &userData); err != nil {
					t.Fatalf("Failed to parse user-data YAML: %v", err)
				}

				// Hostname should be extracted from FQDN (everything before first dot)
				if userData.Hostname != "web01" {
					t.Errorf("Expected hostname 'web01', got %q", userData.Hostname)
				}
				if userData.FQDN != "web01.prod.example.com" {
					t.Errorf("Expected fqdn 'web01.prod.example.com', got %q", userData.FQDN)
				}
			},
		},
		{
			name: "with SSH keys",
			inst: Instance{
				Name:    "test-vm",
				SSHKeys: []string{testSSHKeyEd25519, testSSHKeyRSA},
			},
			checkContent: func(t *testing.T, content string) {
				var userData UserData
				if err := yaml.Unmarshal([]byte(strings.TrimPrefix(content, "#cloud-config\n")), &userData); err != nil {
					t.Fatalf("Failed to parse user-data YAML: %v", err)
				}

				if len(userData.SSHAuthorizedKeys) != 2 {
					t.Errorf("Expected 2 SSH keys, got %d", len(userData.SSHAuthorizedKeys))
				}
				if userData.SSHAuthorizedKeys[0] != testSSHKeyEd25519 {
					t.Error("First SSH key doesn't match")
				}
				if userData.SSHAuthorizedKeys[1] != testSSHKeyRSA {
					t.Error("Second SSH key doesn't match")
				}
			},
		},
		{
			name: "with root password hash",
			inst: Instance{
				Name:             "test-vm",
				RootPasswordHash: "$6$rounds=4096$salt$hashedpassword",
			},
			checkContent: func(t *testing.T, content string) {
				var userData UserData
				if err := yaml.Unmarshal([]byte(strings.TrimPrefix(content, "#cloud-config\n")), &userData); err != nil {
					t.Fatalf("Failed to parse user-data YAML: %v", err)
				}

				if userData.Chpasswd == nil {
					t.Fatal("Expected chpasswd to be set")
				}
				if userData.Chpasswd.Expire != false {
					t.Error("Expected chpasswd.expire to be false")
				}
				expectedList := "root:$6$rounds=4096$salt$hashedpassword"
				if userData.Chpasswd.List != expectedList {
					t.Errorf("Expected chpasswd.list %q, got %q", expectedList, userData.Chpasswd.List)
				}
			},
		},
		{
			name: "ssh_pwauth enabled",
			inst: Instance{
				Name:      "test-vm",
				SSHPwAuth: true,
			},
			checkContent: func(t *testing.T, content string) {
				var userData UserData
				if err := yaml.Unmarshal([]byte(strings.TrimPrefix(content, "#cloud-config\n")), &userData); err != nil {
					t.Fatalf("Failed to parse user-data YAML: %v", err)
				}

				if userData.SSHPasswordAuth != true {
					t.Error("Expected ssh_pwauth true")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, err := GenerateUserData(tt.inst)
			if tt.expectErr {
				if err == nil {
					t.Error("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("GenerateUserData failed: %v", err)
			}
			if tt.checkContent != nil {
				tt.checkContent(t, content)
			}
		})
	}
}

func TestGenerateMetaData(t *testing.T) {
	t.Run("empty name", func(t *testing.T) {
		if _, err := GenerateMetaData(Instance{}); err == nil {
			t.Error("Expected error for empty name, got nil")
		}
	})

	t.Run("instance-id and hostname from name", func(t *testing.T) {
		content, err := GenerateMetaData(Instance{Name: "vm-010-005"})
		if err != nil {
			t.Fatalf("GenerateMetaData failed: %v", err)
		}

		var metaData MetaData
		if err := yaml.Unmarshal([]byte(content), &metaData); err != nil {
			t.Fatalf("Failed to parse meta-data YAML: %v", err)
		}

		if metaData.InstanceID != "vm-010-005" {
			t.Errorf("Expected instance-id 'vm-010-005', got %q", metaData.InstanceID)
		}
		if metaData.LocalHostname != "vm-010-005" {
			t.Errorf("Expected local-hostname 'vm-010-005', got %q", metaData.LocalHostname)
		}
	})
}

func TestGenerateNetworkConfig(t *testing.T) {
	tests := []struct {
		name         string
		inst         Instance
		expectErr    bool
		checkContent func(t *testing.T, content string)
	}{
		{
			name:      "no interfaces",
			inst:      Instance{Name: "test-vm"},
			expectErr: true,
		},
		{
			name: "single interface with gateway and dns",
			inst: Instance{
				Name: "test-vm",
				Interfaces: []Interface{
					{
						MAC:         "aa:bb:cc:dd:ee:62",
						AddressCIDR: "10.10.10.10/24",
						Gateway:     "10.10.10.254",
						DNSServers:  []string{"10.10.10.2"},
					},
				},
			},
			checkContent: func(t *testing.T, content string) {
				var netConfig NetworkConfig
				if err := yaml.Unmarshal([]byte(content), &netConfig); err != nil {
					t.Fatalf("Failed to parse network-config YAML: %v", err)
				}

				if netConfig.Version != 2 {
					t.Errorf("Expected version 2, got %d", netConfig.Version)
				}
				eth0, ok := netConfig.Ethernets["eth0"]
				if !ok {
					t.Fatal("Expected eth0 entry")
				}
				if eth0.Match.MACAddress != "aa:bb:cc:dd:ee:62" {
					t.Errorf("Expected MAC match, got %q", eth0.Match.MACAddress)
				}
				if len(eth0.Addresses) != 1 || eth0.Addresses[0] != "10.10.10.10/24" {
					t.Errorf("Expected address 10.10.10.10/24, got %v", eth0.Addresses)
				}
				if len(eth0.Routes) != 1 || eth0.Routes[0].To != "0.0.0.0/0" || eth0.Routes[0].Via != "10.10.10.254" {
					t.Errorf("Expected default route via 10.10.10.254, got %v", eth0.Routes)
				}
				if eth0.Nameservers == nil || len(eth0.Nameservers.Addresses) != 1 {
					t.Error("Expected one nameserver")
				}
			},
		},
		{
			name: "multiple interfaces",
			inst: Instance{
				Name: "test-vm",
				Interfaces: []Interface{
					{
						MAC:         "be:ef:0a:00:01:0a",
						AddressCIDR: "10.0.1.10/24",
						Gateway:     "10.0.1.1",
					},
					{
						MAC:         "be:ef:0a:00:02:0a",
						AddressCIDR: "10.0.2.10/24",
					},
				},
			},
			checkContent: func(t *testing.T, content string) {
				var netConfig NetworkConfig
				if err := yaml.Unmarshal([]byte(content), &netConfig); err != nil {
					t.Fatalf("Failed to parse network-config YAML: %v", err)
				}

				if len(netConfig.Ethernets) != 2 {
					t.Fatalf("Expected 2 ethernets, got %d", len(netConfig.Ethernets))
				}
				// Only the first interface carries the default route
				if len(netConfig.Ethernets["eth0"].Routes) != 1 {
					t.Error("Expected eth0 to carry the default route")
				}
				if len(netConfig.Ethernets["eth1"].Routes) != 0 {
					t.Error("Expected eth1 without routes")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, err := GenerateNetworkConfig(tt.inst)
			if tt.expectErr {
				if err == nil {
					t.Error("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("GenerateNetworkConfig failed: %v", err)
			}
			if tt.checkContent != nil {
				tt.checkContent(t, content)
			}
		})
	}
}
