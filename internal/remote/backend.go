package remote

import (
	"fmt"

	"github.com/felix5572/DeepTI/internal/config"
)

// NewBackend opens the backend selected by the machine file. For Slurm the
// SSH connection is established here, so bad credentials fail before any
// simulation is prepared.
func NewBackend(m *config.MachineConfig, keyPath string) (Backend, error) {
	switch m.Machine.Batch {
	case config.BatchLocal:
		return NewLocalBackend(m.Machine.LocalRoot), nil
	case config.BatchSlurm:
		sess, err := NewSSHSession(m.Machine, keyPath)
		if err != nil {
			return nil, err
		}
		return NewSlurmBackend(sess, m.Machine.WorkPath), nil
	}
	return nil, fmt.Errorf("unknown batch system %q", m.Machine.Batch)
}
