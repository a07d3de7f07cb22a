package remote

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/felix5572/DeepTI/internal/config"
)

const (
	scriptName  = "job.sub"
	finishedTag = "tag_finished"
)

// SlurmBackend submits jobs with sbatch on a remote cluster reached
// through shell.
type SlurmBackend struct {
	shell    Shell
	workPath string
}

// NewSlurmBackend creates a backend placing job roots under workPath on
// the cluster.
func NewSlurmBackend(shell Shell, workPath string) *SlurmBackend {
	return &SlurmBackend{shell: shell, workPath: workPath}
}

func (b *SlurmBackend) NewJob(_ context.Context, spec JobSpec) (Job, error) {
	script, err := RenderSlurmScript(spec)
	if err != nil {
		return nil, err
	}
	return &slurmJob{
		shell:  b.shell,
		spec:   spec,
		root:   path.Join(b.workPath, spec.ID),
		script: script,
	}, nil
}

// Close closes the shell if it holds a connection.
func (b *SlurmBackend) Close() error {
	if c, ok := b.shell.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

type slurmJob struct {
	shell  Shell
	spec   JobSpec
	root   string
	script string

	slurmID string
}

func (j *slurmJob) ID() string   { return j.spec.ID }
func (j *slurmJob) Root() string { return j.root }

func (j *slurmJob) Upload(ctx context.Context, commonFiles, taskFiles []string) error {
	files := append([]string(nil), commonFiles...)
	for _, task := range j.spec.Tasks {
		for _, f := range taskFiles {
			files = append(files, filepath.Join(task, f))
		}
	}
	return j.shell.Upload(ctx, j.root, j.spec.LocalDir, files)
}

func (j *slurmJob) Submit(ctx context.Context) error {
	tmp, err := os.MkdirTemp("", "gdi-sub-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)
	if err := os.WriteFile(filepath.Join(tmp, scriptName), []byte(j.script), 0o644); err != nil {
		return err
	}
	if err := j.shell.Upload(ctx, j.root, tmp, []string{scriptName}); err != nil {
		return err
	}

	root, err := quote(j.root)
	if err != nil {
		return err
	}
	out, err := j.shell.Run(ctx, fmt.Sprintf("cd %s && sbatch %s", root, scriptName))
	if err != nil {
		return err
	}
	id, err := parseSbatchID(out)
	if err != nil {
		return err
	}
	j.slurmID = id
	return nil
}

// parseSbatchID extracts the id from "Submitted batch job 12345".
func parseSbatchID(out string) (string, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 || !strings.Contains(out, "Submitted batch job") {
		return "", fmt.Errorf("unexpected sbatch output %q", strings.TrimSpace(out))
	}
	return fields[len(fields)-1], nil
}

func (j *slurmJob) Status(ctx context.Context) (JobStatus, error) {
	if j.slurmID == "" {
		return StatusUnknown, fmt.Errorf("job %s not submitted", j.spec.ID)
	}
	out, err := j.shell.Run(ctx, fmt.Sprintf("squeue -h -o %%T -j %s 2>&1 || true", j.slurmID))
	if err != nil {
		return StatusUnknown, err
	}
	if st, ok := parseSqueueState(out); ok {
		return st, nil
	}

	// The job left the queue: it finished only if the script reached its end.
	root, err := quote(path.Join(j.root, finishedTag))
	if err != nil {
		return StatusUnknown, err
	}
	out, err = j.shell.Run(ctx, fmt.Sprintf("test -f %s && echo yes || echo no", root))
	if err != nil {
		return StatusUnknown, err
	}
	if strings.TrimSpace(out) == "yes" {
		return StatusFinished, nil
	}
	return StatusTerminated, nil
}

// parseSqueueState maps squeue's long state names. ok is false when the
// job is no longer queued or has completed.
func parseSqueueState(out string) (JobStatus, bool) {
	state := strings.TrimSpace(out)
	if i := strings.IndexByte(state, '\n'); i >= 0 {
		state = state[:i]
	}
	switch state {
	case "PENDING", "CONFIGURING", "REQUEUED", "RESV_DEL_HOLD", "SUSPENDED":
		return StatusSubmitted, true
	case "RUNNING", "COMPLETING", "STAGE_OUT":
		return StatusRunning, true
	case "FAILED", "CANCELLED", "TIMEOUT", "NODE_FAIL", "OUT_OF_MEMORY", "PREEMPTED", "BOOT_FAIL", "DEADLINE":
		return StatusTerminated, true
	}
	return StatusUnknown, false
}

func (j *slurmJob) Download(ctx context.Context, resultFiles []string) error {
	var patterns []string
	for _, task := range j.spec.Tasks {
		for _, f := range resultFiles {
			patterns = append(patterns, path.Join(task, filepath.ToSlash(f)))
		}
	}
	return j.shell.Download(ctx, j.root, j.spec.LocalDir, patterns)
}

func (j *slurmJob) Clean(ctx context.Context) error {
	root, err := quote(j.root)
	if err != nil {
		return err
	}
	_, err = j.shell.Run(ctx, "rm -rf "+root)
	return err
}

var slurmTmpl = template.Must(template.New("sbatch").Parse(`#!/bin/bash -l
#SBATCH --job-name={{.Name}}
#SBATCH -N {{.Res.NumbNode}}
#SBATCH --ntasks-per-node {{.Res.TaskPerNode}}
{{- if gt .Res.NumbGPU 0}}
#SBATCH --gres=gpu:{{.Res.NumbGPU}}
{{- end}}
{{- if .Res.TimeLimit}}
#SBATCH -t {{.Res.TimeLimit}}
{{- end}}
{{- if .Res.Partition}}
#SBATCH --partition {{.Res.Partition}}
{{- end}}
{{- if .Res.Account}}
#SBATCH --account {{.Res.Account}}
{{- end}}
{{- if .Res.QOS}}
#SBATCH --qos {{.Res.QOS}}
{{- end}}

{{range .Res.ModuleList}}module load {{.}}
{{end}}{{range .Sources}}source {{.}}
{{end}}{{range .Exports}}export {{.}}
{{end}}
{{range .Tasks}}cd {{.}} || exit 1
if [ ! -f {{$.Tag}} ]; then
  {{$.Command}}
  if test $? -ne 0; then exit 1; fi
  touch {{$.Tag}}
fi
cd ..
{{end}}
touch {{.Tag}}
`))

// RenderSlurmScript renders the sbatch script running every task of spec
// in turn. Each task writes a tag when done so a requeued job skips it.
func RenderSlurmScript(spec JobSpec) (string, error) {
	res := spec.Resources
	if res.NumbNode <= 0 {
		res.NumbNode = 1
	}
	if res.TaskPerNode <= 0 {
		res.TaskPerNode = 1
	}

	tasks, err := quoteAll(spec.Tasks)
	if err != nil {
		return "", err
	}
	sources, err := quoteAll(res.SourceList)
	if err != nil {
		return "", err
	}
	keys := make([]string, 0, len(res.Envs))
	for k := range res.Envs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	exports := make([]string, 0, len(keys))
	for _, k := range keys {
		v, err := quote(res.Envs[k])
		if err != nil {
			return "", err
		}
		exports = append(exports, k+"="+v)
	}

	name := "gdi"
	if len(spec.ID) >= 8 {
		name = "gdi-" + spec.ID[:8]
	}

	var buf bytes.Buffer
	err = slurmTmpl.Execute(&buf, struct {
		Name    string
		Res     config.Resources
		Sources []string
		Exports []string
		Tasks   []string
		Command string
		Tag     string
	}{name, res, sources, exports, tasks, spec.Command, finishedTag})
	if err != nil {
		return "", fmt.Errorf("render sbatch script: %w", err)
	}
	return buf.String(), nil
}

func quoteAll(in []string) ([]string, error) {
	out := make([]string, len(in))
	for i, s := range in {
		q, err := quote(s)
		if err != nil {
			return nil, err
		}
		out[i] = q
	}
	return out, nil
}
