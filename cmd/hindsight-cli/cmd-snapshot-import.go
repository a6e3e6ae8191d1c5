package main

import (
	"fmt"
	"os"
)

type importSnapshotsCmd struct {
	Input     string `short:"f" required:"" help:"archive file produced by snapshot export"`
	Overwrite bool   `help:"replace snapshots that already exist"`
}

func (cmd *importSnapshotsCmd) Run(opts *globalOptions) error {
	archive, err := os.ReadFile(cmd.Input)
	if err != nil {
		return err
	}

	client := newClient(opts)

	pw, tracker := newTracker("importing " + cmd.Input)
	tracker.UpdateTotal(int64(len(archive)))

	result, err := client.ImportSnapshots(archive, cmd.Overwrite)
	if err != nil {
		tracker.MarkAsErrored()
		stopTracker(pw)
		return err
	}

	tracker.Increment(int64(len(archive)))
	tracker.MarkAsDone()
	stopTracker(pw)

	fmt.Printf("imported %d snapshots, skipped %d\n", result.Imported, result.Skipped)
	for _, e := range result.Errors {
		fmt.Println("error:", e)
	}
	return nil
}
