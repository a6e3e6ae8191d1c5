package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
)

type exportSnapshotsCmd struct {
	SessionID string `arg:"" help:"session whose snapshots to export"`
	Output    string `short:"f" required:"" help:"file to write the archive to"`
}

func (cmd *exportSnapshotsCmd) Run(opts *globalOptions) error {
	client := newClient(opts)

	pw, tracker := newTracker("exporting snapshots of " + cmd.SessionID)

	archive, err := client.ExportSnapshots(cmd.SessionID)
	if err != nil {
		tracker.MarkAsErrored()
		stopTracker(pw)
		return err
	}

	tracker.UpdateTotal(int64(len(archive)))
	tracker.Increment(int64(len(archive)))
	tracker.MarkAsDone()
	stopTracker(pw)

	if err := os.WriteFile(cmd.Output, archive, 0o644); err != nil {
		return err
	}

	fmt.Printf("wrote %s to %s\n", humanize.Bytes(uint64(len(archive))), cmd.Output)
	return nil
}
