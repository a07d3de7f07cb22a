package config

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/felix5572/DeepTI/internal/lammps"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// RunConfig is the physical setup of one integration (the "param" file).
// It is snapshotted into the output directory as in.json.
type RunConfig struct {
	PhaseI       PhaseConfig `json:"phase_i"`
	PhaseII      PhaseConfig `json:"phase_ii"`
	Model        string      `json:"model"`
	ModelMassMap []float64   `json:"model_mass_map"`
	NSteps       int         `json:"nsteps"`
	Dt           float64     `json:"dt"`
	StatFreq     int         `json:"stat_freq"`
	DumpFreq     int         `json:"dump_freq,omitempty"`
	TauT         float64     `json:"tau_t"`
	TauP         float64     `json:"tau_p"`
	Ensemble     string      `json:"ens,omitempty"` // npt | npt-iso | npt-aniso | npt-tri
	StatSkip     int         `json:"stat_skip"`     // samples dropped before averaging
	StatBSize    int         `json:"stat_bsize"`    // samples per block
}

// PhaseConfig names one coexisting phase and its equilibrated configuration.
type PhaseConfig struct {
	Name     string `json:"name"`
	EquiConf string `json:"equi_conf"`
}

// Validate checks the fields the simulations cannot run without.
func (c *RunConfig) Validate() error {
	var errs []error
	if c.PhaseI.EquiConf == "" {
		errs = append(errs, errors.New("phase_i.equi_conf is required"))
	}
	if c.PhaseII.EquiConf == "" {
		errs = append(errs, errors.New("phase_ii.equi_conf is required"))
	}
	if c.Model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if len(c.ModelMassMap) == 0 {
		errs = append(errs, errors.New("model_mass_map is required"))
	}
	if c.NSteps <= 0 {
		errs = append(errs, fmt.Errorf("nsteps must be positive, got %d", c.NSteps))
	}
	if c.Dt <= 0 {
		errs = append(errs, fmt.Errorf("dt must be positive, got %g", c.Dt))
	}
	if c.StatFreq <= 0 {
		errs = append(errs, fmt.Errorf("stat_freq must be positive, got %d", c.StatFreq))
	}
	if c.TauT <= 0 || c.TauP <= 0 {
		errs = append(errs, errors.New("tau_t and tau_p must be positive"))
	}
	if c.StatSkip < 0 {
		errs = append(errs, fmt.Errorf("stat_skip must not be negative, got %d", c.StatSkip))
	}
	if c.StatBSize <= 0 {
		errs = append(errs, fmt.Errorf("stat_bsize must be positive, got %d", c.StatBSize))
	}
	if _, err := lammps.BarostatCoupling(c.Ensemble); err != nil {
		errs = append(errs, fmt.Errorf("ens: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Batch system kinds.
const (
	BatchLocal = "local"
	BatchSlurm = "slurm"
)

// MachineConfig describes where and how simulations run (the "machine" file).
type MachineConfig struct {
	Machine      MachineSpec `json:"machine" yaml:"machine"`
	Resources    Resources   `json:"resources" yaml:"resources"`
	LmpCommand   string      `json:"lmp_command" yaml:"lmp_command"`
	GroupSize    int         `json:"group_size,omitempty" yaml:"group_size"`
	PollInterval Duration    `json:"poll_interval,omitempty" yaml:"poll_interval"`
	JobTimeout   Duration    `json:"job_timeout,omitempty" yaml:"job_timeout"` // 0 = wait forever
	Retries      int         `json:"retries,omitempty" yaml:"retries"`         // negative disables retries
	RetryWait    Duration    `json:"retry_wait,omitempty" yaml:"retry_wait"`
}

// MachineSpec holds the connection settings of the compute resource.
type MachineSpec struct {
	Batch     string `json:"batch" yaml:"batch"` // "local" | "slurm"
	Hostname  string `json:"hostname,omitempty" yaml:"hostname"`
	Port      int    `json:"port,omitempty" yaml:"port"`
	Username  string `json:"username,omitempty" yaml:"username"`
	Password  string `json:"password,omitempty" yaml:"password"` // plain, ${{ .Env.VAR }} or ENC[age:...]
	KeyFile   string `json:"key_file,omitempty" yaml:"key_file"`
	WorkPath  string `json:"work_path,omitempty" yaml:"work_path"`   // remote scratch root
	LocalRoot string `json:"local_root,omitempty" yaml:"local_root"` // scratch root for batch=local
}

// Resources is the allocation requested for every submitted job.
type Resources struct {
	NumbNode    int               `json:"numb_node,omitempty" yaml:"numb_node"`
	TaskPerNode int               `json:"task_per_node,omitempty" yaml:"task_per_node"`
	NumbGPU     int               `json:"numb_gpu,omitempty" yaml:"numb_gpu"`
	Partition   string            `json:"partition,omitempty" yaml:"partition"`
	TimeLimit   string            `json:"time_limit,omitempty" yaml:"time_limit"`
	Account     string            `json:"account,omitempty" yaml:"account"`
	QOS         string            `json:"qos,omitempty" yaml:"qos"`
	ModuleList  []string          `json:"module_list,omitempty" yaml:"module_list"`
	SourceList  []string          `json:"source_list,omitempty" yaml:"source_list"`
	Envs        map[string]string `json:"envs,omitempty" yaml:"envs"`
}

// Validate checks the machine description before any job is created.
func (c *MachineConfig) Validate() error {
	var errs []error
	switch c.Machine.Batch {
	case BatchLocal:
	case BatchSlurm:
		if c.Machine.Hostname == "" {
			errs = append(errs, errors.New("machine.hostname is required for slurm"))
		}
		if c.Machine.Username == "" {
			errs = append(errs, errors.New("machine.username is required for slurm"))
		}
		if c.Machine.WorkPath == "" {
			errs = append(errs, errors.New("machine.work_path is required for slurm"))
		}
	default:
		errs = append(errs, fmt.Errorf("machine.batch must be %q or %q, got %q", BatchLocal, BatchSlurm, c.Machine.Batch))
	}
	if c.LmpCommand == "" {
		errs = append(errs, errors.New("lmp_command is required"))
	}
	if c.GroupSize <= 0 {
		errs = append(errs, fmt.Errorf("group_size must be positive, got %d", c.GroupSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Duration wraps time.Duration for JSON and YAML unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}
