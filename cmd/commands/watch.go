package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coder/websocket"
	"github.com/urfave/cli/v3"

	"github.com/felix5572/DeepTI/clients/ws"
	wsprotocol "github.com/felix5572/DeepTI/internal/gateway/ws"
)

// NewWatchCommand returns the live event stream subcommand.
func NewWatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Stream the events of a run started with --listen",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Monitor address of the run",
				Value: "127.0.0.1:18431",
			},
			&cli.StringSliceFlag{
				Name:  "type",
				Usage: "Only show these event types (repeatable)",
			},
		},
		Action: runWatch,
	}
}

func runWatch(ctx context.Context, cmd *cli.Command) error {
	c, err := ws.Dial(ctx, "ws://"+cmd.String("addr")+"/api/ws")
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.Subscribe(cmd.StringSlice("type")...); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	for {
		f, err := c.ReadFrame()
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) != -1 {
				return nil
			}
			return err
		}
		switch f.Type {
		case wsprotocol.FrameTypeEvent:
			fmt.Printf("%-20s %s\n", f.Event, strings.TrimSpace(string(f.Payload)))
		case wsprotocol.FrameTypeResponse:
			if f.OK != nil && !*f.OK {
				return errors.New(f.Error)
			}
		}
	}
}
