package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"

	"github.com/hindsightlabs/hindsight/pkg/model"
)

type querySearchCmd struct {
	SessionID string `arg:"" help:"session to search"`

	Start int64  `help:"start of the window, unix milliseconds"`
	End   int64  `help:"end of the window, unix milliseconds"`
	Limit int    `help:"maximum number of events to return"`
	Types string `help:"comma separated event types to include"`
	JSON  bool   `help:"print the raw events as JSON"`
}

func (cmd *querySearchCmd) Run(opts *globalOptions) error {
	client := newClient(opts)

	var types []model.EventType
	for _, t := range splitCSV(cmd.Types) {
		typ := model.EventType(t)
		if !typ.IsValid() {
			return fmt.Errorf("invalid event type %q", t)
		}
		types = append(types, typ)
	}

	events, err := client.SearchSessionTraces(cmd.SessionID, cmd.Start, cmd.End, cmd.Limit, types)
	if err != nil {
		return err
	}

	if cmd.JSON {
		return printAsJSON(events)
	}

	out := make([][]string, 0, len(events))
	for _, e := range events {
		out = append(out, []string{
			e.ID,
			formatMs(e.Timestamp),
			e.AgentID,
			string(e.Type),
			string(e.Phase),
			string(e.Severity()),
		})
	}

	w := tablewriter.NewWriter(os.Stdout)
	w.Header([]string{"id", "time", "agent", "type", "phase", "severity"})
	if err := w.Bulk(out); err != nil {
		return err
	}
	return w.Render()
}
