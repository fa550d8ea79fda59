package cloudinit

import (
	"bytes"
	"fmt"

	"github.com/kdomanski/iso9660"
)

// GenerateISO creates a cloud-init NoCloud ISO image for an instance.
//
// The generated ISO contains user-data and meta-data, plus
// network-config when the instance has static interfaces. The volume
// label is "CIDATA" as required by the NoCloud datasource.
//
// Returns the ISO image as a byte slice, ready to be written next to
// the VM's disks.
func GenerateISO(inst Instance) ([]byte, error) {
	userData, err := GenerateUserData(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to generate user-data: %w", err)
	}

	metaData, err := GenerateMetaData(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to generate meta-data: %w", err)
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return nil, fmt.Errorf("failed to create ISO writer: %w", err)
	}
	defer func() {
		// The ISO content is already in memory when Cleanup runs; a
		// failed temp file removal is not worth failing the seed over.
		_ = writer.Cleanup()
	}()

	if err := writer.AddFile(bytes.NewReader([]byte(userData)), "user-data"); err != nil {
		return nil, fmt.Errorf("failed to add user-data: %w", err)
	}

	if err := writer.AddFile(bytes.NewReader([]byte(metaData)), "meta-data"); err != nil {
		return nil, fmt.Errorf("failed to add meta-data: %w", err)
	}

	// Guests without static addressing keep their DHCP default; only
	// emit network-config when there is something to configure.
	if len(inst.Interfaces) > 0 {
		networkConfig, err := GenerateNetworkConfig(inst)
		if err != nil {
			return nil, fmt.Errorf("failed to generate network-config: %w", err)
		}
		if err := writer.AddFile(bytes.NewReader([]byte(networkConfig)), "network-config"); err != nil {
			return nil, fmt.Errorf("failed to add network-config: %w", err)
		}
	}

	var buf bytes.Buffer

	// The volume identifier must be the uppercase CIDATA per the
	// NoCloud specification.
	if err := writer.WriteTo(&buf, "CIDATA"); err != nil {
		return nil, fmt.Errorf("failed to write ISO image: %w", err)
	}

	return buf.Bytes(), nil
}
