package main

import (
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
)

type listSessionsCmd struct {
	JSON bool `help:"print the raw sessions as JSON"`
}

func (cmd *listSessionsCmd) Run(opts *globalOptions) error {
	client := newClient(opts)

	sessions, err := client.ListSessions()
	if err != nil {
		return err
	}

	if cmd.JSON {
		return printAsJSON(sessions)
	}

	totalEvents := int64(0)
	out := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		end := ""
		if s.EndTime != nil {
			end = formatMs(*s.EndTime)
		}
		out = append(out, []string{
			s.ID,
			s.Name,
			string(s.Status),
			formatMs(s.StartTime),
			end,
			strconv.Itoa(s.AgentCount),
			humanize.Comma(s.EventCount),
		})
		totalEvents += s.EventCount
	}

	w := tablewriter.NewWriter(os.Stdout)
	w.Header([]string{"id", "name", "status", "start", "end", "agents", "events"})
	w.Footer([]string{"", "", "", "", "", "", humanize.Comma(totalEvents)})
	if err := w.Bulk(out); err != nil {
		return err
	}
	return w.Render()
}
