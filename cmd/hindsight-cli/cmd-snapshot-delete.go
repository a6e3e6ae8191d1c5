package main

import "fmt"

type deleteSnapshotCmd struct {
	SnapshotID string `arg:"" help:"snapshot to delete"`
}

func (cmd *deleteSnapshotCmd) Run(opts *globalOptions) error {
	client := newClient(opts)

	if err := client.DeleteSnapshot(cmd.SnapshotID); err != nil {
		return err
	}

	fmt.Println("deleted", cmd.SnapshotID)
	return nil
}
