package main

import (
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
)

type listSnapshotsCmd struct {
	Session string `help:"only list snapshots of this session"`
	JSON    bool   `help:"print the raw snapshots as JSON"`
}

func (cmd *listSnapshotsCmd) Run(opts *globalOptions) error {
	client := newClient(opts)

	snapshots, err := client.ListSnapshots(cmd.Session)
	if err != nil {
		return err
	}

	if cmd.JSON {
		return printAsJSON(snapshots)
	}

	totalSize := int64(0)
	out := make([][]string, 0, len(snapshots))
	for _, s := range snapshots {
		compressed := " "
		if s.Compressed {
			compressed = "Y"
		}
		out = append(out, []string{
			s.ID,
			s.SessionID,
			string(s.Type),
			formatMs(s.Timestamp),
			humanize.Bytes(uint64(s.Size)),
			compressed,
			strings.Join(s.Tags, ","),
		})
		totalSize += s.Size
	}

	w := tablewriter.NewWriter(os.Stdout)
	w.Header([]string{"id", "session", "type", "time", "size", "gz", "tags"})
	w.Footer([]string{"", "", "", "", humanize.Bytes(uint64(totalSize)), "", ""})
	if err := w.Bulk(out); err != nil {
		return err
	}
	return w.Render()
}
