package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// MachineIdentity is this machine's stable peer identity.
// It is generated once and stored in machine.json.
type MachineIdentity struct {
	MachineID string    `json:"machine_id"`
	CreatedAt time.Time `json:"created_at"`
}

// LoadOrCreateMachineIdentity loads the machine identity from the default
// path, generating and persisting a new one if none exists.
func LoadOrCreateMachineIdentity() (*MachineIdentity, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}
	return LoadOrCreateMachineIdentityFrom(paths.MachineFile)
}

// LoadOrCreateMachineIdentityFrom loads or creates the machine identity
// at a specific path.
func LoadOrCreateMachineIdentityFrom(path string) (*MachineIdentity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var id MachineIdentity
		if err := json.Unmarshal(data, &id); err != nil {
			return nil, fmt.Errorf("parse machine identity: %w", err)
		}
		if id.MachineID == "" {
			return nil, fmt.Errorf("machine identity file %s has empty machine_id", path)
		}
		return &id, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read machine identity: %w", err)
	}

	id := &MachineIdentity{
		MachineID: uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
	if err := id.SaveTo(path); err != nil {
		return nil, err
	}
	return id, nil
}

// SaveTo saves the machine identity to a specific path
func (id *MachineIdentity) SaveTo(path string) error {
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal machine identity: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write machine identity: %w", err)
	}

	return nil
}
