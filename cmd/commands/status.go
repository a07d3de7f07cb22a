package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/felix5572/DeepTI/internal/heartbeat"
	"github.com/felix5572/DeepTI/internal/ledger"
	"github.com/felix5572/DeepTI/internal/taskbuild"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show whether a run is alive and what it has done so far",
		Flags: []cli.Flag{
			outputFlag(),
		},
		Action: runStatus,
	}
}

func runStatus(_ context.Context, cmd *cli.Command) error {
	dbDir := taskbuild.Layout{Root: cmd.String("output")}.DatabaseDir()

	status, hb, err := heartbeat.Check(filepath.Join(dbDir, heartbeat.File), 2*time.Minute)
	if err != nil {
		return fmt.Errorf("check heartbeat: %w", err)
	}

	switch status {
	case heartbeat.StatusAlive:
		fmt.Printf("Run: ALIVE (PID %d, uptime %s, %d computed, %d cached, %d jobs in flight)\n",
			hb.PID, hb.Uptime, hb.Evaluations, hb.Cached, hb.ActiveJobs)
	case heartbeat.StatusStale:
		fmt.Printf("Run: STALE (PID %d, last heartbeat %s ago)\n",
			hb.PID, time.Since(hb.Timestamp).Truncate(time.Second))
	case heartbeat.StatusDead:
		fmt.Println("Run: NOT RUNNING")
	}

	ledgerPath := filepath.Join(dbDir, ledger.File)
	if _, err := os.Stat(ledgerPath); err != nil {
		return nil
	}
	lg, err := ledger.Open(ledgerPath)
	if err != nil {
		return err
	}
	defer lg.Close()

	sum, err := lg.Summary()
	if err != nil {
		return fmt.Errorf("ledger summary: %w", err)
	}
	fmt.Printf("Ledger: %d runs, %d jobs (%d terminated), %d evaluations (%d cached)\n",
		sum.Runs, sum.Jobs, sum.Terminated, sum.Evaluations, sum.Cached)

	runs, err := lg.Runs(5)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tDIR\tFROM\tTO\tSTATUS\tSTARTED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%g\t%g\t%s\t%s\n",
			r.ID, r.Direction, r.Begin, r.End, r.Status,
			time.UnixMilli(r.StartedAt).Format(time.DateTime))
	}
	return w.Flush()
}
