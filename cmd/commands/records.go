package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/felix5572/DeepTI/internal/database"
	"github.com/felix5572/DeepTI/internal/oracle"
	"github.com/felix5572/DeepTI/internal/taskbuild"
)

// NewRecordsCommand returns the records subcommand.
func NewRecordsCommand() *cli.Command {
	return &cli.Command{
		Name:  "records",
		Usage: "List the evaluated points of an output directory",
		Flags: []cli.Flag{
			outputFlag(),
		},
		Action: runRecords,
	}
}

func runRecords(_ context.Context, cmd *cli.Command) error {
	layout := taskbuild.Layout{Root: cmd.String("output")}
	store, err := database.Open(layout.DatabaseDir())
	if err != nil {
		return err
	}
	dirs, err := layout.Tasks().ListDirs()
	if err != nil {
		return err
	}
	orphans := orphanTasks(dirs, store.Len())

	if store.Len() == 0 {
		fmt.Printf("No records in %s.\n", store.Path())
		printOrphans(orphans)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tT\tP\tDV\tDH\tDP/DT")
	for i, r := range store.Records() {
		fmt.Fprintf(w, "%s\t%g\t%g\t%.6e\t%.6e\t%.4f\n",
			database.TaskName(i), r.Temp, r.Pres, r.DV, r.DH,
			r.DH/(r.Temp*r.DV)*oracle.EV2Bar)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	printOrphans(orphans)
	return nil
}

// orphanTasks returns the directories that hold no record: tasks of an
// interrupted evaluation and .bkNNN backups of earlier attempts.
func orphanTasks(dirs []string, records int) []string {
	var out []string
	for _, name := range dirs {
		recorded := false
		for i := 0; i < records; i++ {
			if name == database.TaskName(i) {
				recorded = true
				break
			}
		}
		if !recorded {
			out = append(out, name)
		}
	}
	return out
}

func printOrphans(orphans []string) {
	if len(orphans) == 0 {
		return
	}
	fmt.Printf("\n%d task directories without a record:\n", len(orphans))
	for _, name := range orphans {
		fmt.Printf("  %s\n", name)
	}
}
