package commands

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/felix5572/DeepTI/internal/database"
	"github.com/felix5572/DeepTI/internal/events"
	"github.com/felix5572/DeepTI/internal/integrate"
	"github.com/felix5572/DeepTI/internal/storage/dirstore"
)

// SolutionFile holds the integrated boundary inside the output directory.
const SolutionFile = "pb.out"

// NewRunCommand returns the integration subcommand.
func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Integrate the phase boundary from begin to end",
		ArgsUsage: "PARAM MACHINE",
		Flags: []cli.Flag{
			&cli.FloatFlag{
				Name:     "begin",
				Aliases:  []string{"b"},
				Usage:    "Start of the integration",
				Required: true,
			},
			&cli.FloatFlag{
				Name:     "end",
				Aliases:  []string{"e"},
				Usage:    "End of the integration",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "direction",
				Aliases:  []string{"d"},
				Usage:    "Integrate along t or p",
				Required: true,
			},
			&cli.FloatFlag{
				Name:     "initial-value",
				Aliases:  []string{"i"},
				Usage:    "Initial P (direction t) or T (direction p)",
				Required: true,
			},
			&cli.FloatSliceFlag{
				Name:    "step-value",
				Aliases: []string{"s"},
				Usage:   "Values of the integration variable to report (repeat or comma separate)",
			},
			&cli.FloatFlag{
				Name:    "abs-tol",
				Aliases: []string{"a"},
				Usage:   "Absolute tolerance of the integration",
				Value:   10,
			},
			&cli.FloatFlag{
				Name:    "rel-tol",
				Aliases: []string{"r"},
				Usage:   "Relative tolerance of the integration",
				Value:   1e-2,
			},
			&cli.BoolFlag{
				Name:    "water",
				Aliases: []string{"w"},
				Usage:   "Divide averages by the number of water molecules (natoms/3)",
			},
			&cli.FloatFlag{
				Name:  "pref",
				Usage: "Prefactor applied to the slope",
				Value: 1,
			},
			outputFlag(),
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Print detailed information",
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Serve the monitor API on this address (e.g. 127.0.0.1:18431)",
			},
		},
		Action: runIntegrate,
	}
}

func runIntegrate(ctx context.Context, cmd *cli.Command) error {
	setupLogging(cmd)

	if cmd.NArg() != 2 {
		return fmt.Errorf("expected PARAM and MACHINE arguments, got %d", cmd.NArg())
	}
	axis, err := database.ParseAxis(cmd.String("direction"))
	if err != nil {
		return err
	}
	begin, end := cmd.Float("begin"), cmd.Float("end")
	initial := cmd.Float("initial-value")
	output := cmd.String("output")

	var eval []float64
	if steps := cmd.FloatSlice("step-value"); len(steps) > 0 {
		eval = integrate.SortEval(steps, begin, end)
	}

	env, err := openEnv(envOptions{
		ParamPath:   cmd.Args().Get(0),
		MachinePath: cmd.Args().Get(1),
		OutputDir:   output,
		Axis:        axis,
		Water:       cmd.Bool("water"),
		Pref:        cmd.Float("pref"),
		Listen:      cmd.String("listen"),
	})
	if err != nil {
		return err
	}
	defer env.Close()

	env.Publish(events.RunStartedPayload{
		OutputDir: output,
		Direction: string(axis),
		Begin:     begin,
		End:       end,
		Initial:   initial,
	})
	slog.Info("integration started", "run_id", env.RunID, "direction", axis, "begin", begin, "end", end, "initial", initial)

	sol, err := integrate.RK23(ctx, env.Oracle.RHS, begin, end, []float64{initial}, integrate.Options{
		AbsTol: cmd.Float("abs-tol"),
		RelTol: cmd.Float("rel-tol"),
		Eval:   eval,
	})
	finished := events.RunFinishedPayload{}
	if sol != nil {
		finished.Points = len(sol.X)
		finished.Evaluations = sol.NEval
	}
	if err != nil {
		finished.Error = err.Error()
		env.Publish(finished)
		return fmt.Errorf("integrate: %w", err)
	}

	path := filepath.Join(output, SolutionFile)
	if err := writeSolution(path, axis, sol); err != nil {
		finished.Error = err.Error()
		env.Publish(finished)
		return err
	}
	env.Publish(finished)

	slog.Info("integration finished", "points", len(sol.X), "evaluations", sol.NEval, "steps", sol.Steps, "output", path)
	return nil
}

// writeSolution writes one "T P" line per reported point, whatever the
// integration direction.
func writeSolution(path string, axis database.Axis, sol *integrate.Solution) error {
	var b strings.Builder
	for i, x := range sol.X {
		temp, pres := x, sol.Y[i][0]
		if axis == database.AlongPressure {
			temp, pres = pres, temp
		}
		fmt.Fprintf(&b, "%.18e %.18e\n", temp, pres)
	}
	return dirstore.WriteFileAtomic(path, []byte(b.String()), 0o644)
}
