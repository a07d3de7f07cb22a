package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/felix5572/DeepTI/internal/events"
	"github.com/felix5572/DeepTI/internal/storage"
	"github.com/felix5572/DeepTI/internal/taskbuild"
)

// NewEventsCommand returns the events subcommand, which prints the
// persisted event log of an output directory.
func NewEventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "Show the event log of an output directory",
		Flags: []cli.Flag{
			outputFlag(),
			&cli.StringFlag{
				Name:  "run",
				Usage: "Only show events of this run ID",
			},
			&cli.StringSliceFlag{
				Name:  "type",
				Usage: "Only show these event types (repeatable)",
			},
			&cli.IntFlag{
				Name:    "tail",
				Aliases: []string{"n"},
				Usage:   "Show only the last N events (0 = all)",
			},
		},
		Action: runEvents,
	}
}

func runEvents(_ context.Context, cmd *cli.Command) error {
	layout := taskbuild.Layout{Root: cmd.String("output")}
	path := filepath.Join(layout.DatabaseDir(), storage.EventLogFile)

	all, err := storage.ReadEvents(path, cmd.String("run"))
	if err != nil {
		return err
	}
	list := filterEvents(all, cmd.StringSlice("type"), int(cmd.Int("tail")))
	if len(list) == 0 {
		fmt.Printf("No events in %s.\n", path)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tRUN\tTYPE\tPAYLOAD")
	for _, e := range list {
		payload, _ := json.Marshal(e.Payload)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			e.Timestamp.Format(time.DateTime), shortID(e.RunID), e.Type, payload)
	}
	return w.Flush()
}

// filterEvents keeps the events whose type is in types (all when empty),
// then the last tail of them when tail is positive.
func filterEvents(all []events.Event, types []string, tail int) []events.Event {
	var out []events.Event
	for _, e := range all {
		if len(types) > 0 && !slices.Contains(types, string(e.Type)) {
			continue
		}
		out = append(out, e)
	}
	if tail > 0 && len(out) > tail {
		out = out[len(out)-tail:]
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
