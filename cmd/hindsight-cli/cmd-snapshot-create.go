package main

import (
	"github.com/hindsightlabs/hindsight/pkg/api"
)

type createSnapshotCmd struct {
	SessionID string `arg:"" help:"session whose state to capture"`

	Timestamp   int64  `help:"state time to capture, unix milliseconds, zero means now"`
	Description string `help:"snapshot description"`
	Tags        string `help:"comma separated tags, tagged snapshots are pinned against retention"`
}

func (cmd *createSnapshotCmd) Run(opts *globalOptions) error {
	client := newClient(opts)

	snapshot, err := client.CreateSnapshot(api.CreateSnapshotRequest{
		SessionID:   cmd.SessionID,
		Timestamp:   cmd.Timestamp,
		Tags:        splitCSV(cmd.Tags),
		Description: cmd.Description,
	})
	if err != nil {
		return err
	}

	return printAsJSON(snapshot)
}
