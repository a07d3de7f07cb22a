package commands

import (
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "gdi",
		Usage: "Compute a phase boundary by Gibbs-Duhem integration",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewInitCommand(),
			NewRunCommand(),
			NewEvalCommand(),
			NewRecordsCommand(),
			NewEventsCommand(),
			NewStatusCommand(),
			NewWatchCommand(),
			NewSecretCommand(),
		},
	}
}

// setupLogging switches to debug output when --debug (or a subcommand's
// --verbose) is set.
func setupLogging(cmd *cli.Command) {
	if cmd.Bool("debug") || cmd.Bool("verbose") {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}
}

// outputFlag is the output directory shared by every run-scoped command.
func outputFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "output",
		Aliases: []string{"o"},
		Usage:   "Output directory of the job",
		Value:   "new_job",
	}
}
