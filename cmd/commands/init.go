package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/felix5572/DeepTI/internal/config"
)

// NewInitCommand returns the onboarding subcommand.
func NewInitCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write template param and machine files and the per-user gdi directory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "dir",
				Usage: "Directory for the template files",
				Value: ".",
			},
		},
		Action: runInit,
	}
}

func runInit(_ context.Context, cmd *cli.Command) error {
	dir := cmd.String("dir")
	created := false

	for _, d := range []string{dir, config.GDIPath()} {
		if _, err := os.Stat(d); err != nil {
			if err := os.MkdirAll(d, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", d, err)
			}
			fmt.Printf("  Created %s\n", d)
			created = true
		}
	}

	files := []struct {
		path    string
		content string
		perm    os.FileMode
	}{
		{filepath.Join(dir, "param.jsonc"), defaultParam, 0o644},
		{filepath.Join(dir, "machine.jsonc"), defaultMachine, 0o644},
		{config.DotenvPath(), defaultDotenv, 0o600},
	}
	for _, f := range files {
		if _, err := os.Stat(f.path); err == nil {
			continue
		}
		if err := os.WriteFile(f.path, []byte(f.content), f.perm); err != nil {
			return fmt.Errorf("write %s: %w", f.path, err)
		}
		fmt.Printf("  Created %s\n", f.path)
		created = true
	}

	if !created {
		fmt.Println("Nothing to do, every file already exists.")
		return nil
	}

	fmt.Print(initMessage)
	return nil
}

const defaultParam = `{
	// Two coexisting phases and their equilibrated configurations
	"phase_i":  {"name": "solid",  "equi_conf": "solid.lmp"},
	"phase_ii": {"name": "liquid", "equi_conf": "liquid.lmp"},

	"model": "graph.pb",
	"model_mass_map": [1.0],

	// NPT protocol of every evaluation
	"nsteps": 200000,
	"dt": 0.002,
	"stat_freq": 10,
	"tau_t": 0.2,
	"tau_p": 2.0,
	"ens": "npt",

	// Block averaging of the thermo output
	"stat_skip": 1000,
	"stat_bsize": 100
}
`

const defaultMachine = `{
	"machine": {
		"batch": "local",
		"local_root": "/tmp/gdi-jobs"

		// Slurm over SSH:
		// "batch": "slurm",
		// "hostname": "cluster.example.org",
		// "username": "me",
		// "password": "${{ .Env.GDI_SSH_PASSWORD }}",
		// "work_path": "/scratch/me/gdi"
	},
	"resources": {
		"numb_node": 1,
		"task_per_node": 1
	},
	"lmp_command": "lmp",
	"group_size": 1,
	"poll_interval": "30s",
	"job_timeout": "0s",
	"retries": 3,
	"retry_wait": "10s"
}
`

const defaultDotenv = `# gdi environment variables
# This file is loaded automatically. Existing env vars are never overridden.
# Store secrets with: gdi secret encrypt --env NAME

# GDI_SSH_PASSWORD=ENC[age:...]
`

const initMessage = `
  Templates written.

  Next steps:
    1. Point param.jsonc at your equilibrated configurations and model
    2. Describe your compute resource in machine.jsonc
    3. Run: gdi run param.jsonc machine.jsonc -d t -b 270 -e 300 -i 1
`
