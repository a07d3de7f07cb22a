package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/felix5572/DeepTI/internal/database"
)

// NewEvalCommand returns the single-point evaluation subcommand.
func NewEvalCommand() *cli.Command {
	return &cli.Command{
		Name:      "eval",
		Usage:     "Evaluate the boundary slope at one state point",
		ArgsUsage: "PARAM MACHINE",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "direction",
				Aliases: []string{"d"},
				Usage:   "Slope along t (dP/dT) or p (dT/dP)",
				Value:   "t",
			},
			&cli.FloatFlag{
				Name:     "temp",
				Aliases:  []string{"t"},
				Usage:    "Temperature (K)",
				Required: true,
			},
			&cli.FloatFlag{
				Name:     "pres",
				Aliases:  []string{"p"},
				Usage:    "Pressure (bar)",
				Required: true,
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
		},
		Action: runEval,
	}
}

func runEval(ctx context.Context, cmd *cli.Command) error {
	setupLogging(cmd)

	if cmd.NArg() != 2 {
		return fmt.Errorf("expected PARAM and MACHINE arguments, got %d", cmd.NArg())
	}
	axis, err := database.ParseAxis(cmd.String("direction"))
	if err != nil {
		return err
	}

	env, err := openEnv(envOptions{
		ParamPath:   cmd.Args().Get(0),
		MachinePath: cmd.Args().Get(1),
		OutputDir:   cmd.String("output"),
		Axis:        axis,
		Water:       cmd.Bool("water"),
		Pref:        cmd.Float("pref"),
	})
	if err != nil {
		return err
	}
	defer env.Close()

	temp, pres := cmd.Float("temp"), cmd.Float("pres")
	x, y := temp, pres
	if axis == database.AlongPressure {
		x, y = pres, temp
	}
	slope, err := env.Oracle.Derivative(ctx, x, y)
	if err != nil {
		return err
	}
	rec, _ := env.Oracle.Store().Lookup(database.Point{Temp: temp, Pres: pres})

	fmt.Printf("T=%g P=%g dV=%.6e dH=%.6e slope=%.6e\n", temp, pres, rec.DV, rec.DH, slope[0])
	return nil
}
