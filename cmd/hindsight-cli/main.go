package main

import (
	"github.com/alecthomas/kong"
)

type globalOptions struct {
	Endpoint string `short:"e" default:"http://localhost:7171" help:"hindsight API endpoint"`
	Compress bool   `help:"ask for gzip compressed responses"`
}

var cli struct {
	globalOptions

	Query struct {
		TraceID queryTraceIDCmd `cmd:"" help:"Query a single trace event by ID"`
		Search  querySearchCmd  `cmd:"" help:"Search the stored trace events of a session"`
	} `cmd:""`

	List struct {
		Sessions  listSessionsCmd  `cmd:"" help:"List recorded sessions"`
		Snapshots listSnapshotsCmd `cmd:"" help:"List state snapshots"`
	} `cmd:""`

	Snapshot struct {
		Create createSnapshotCmd  `cmd:"" help:"Capture a snapshot of a session's state"`
		Delete deleteSnapshotCmd  `cmd:"" help:"Delete a snapshot"`
		Export exportSnapshotsCmd `cmd:"" help:"Export a session's snapshots to an archive file"`
		Import importSnapshotsCmd `cmd:"" help:"Import a snapshot archive"`
	} `cmd:""`

	Stats statsCmd `cmd:"" help:"Show store and collector statistics"`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("hindsight-cli"),
		kong.Description("Hindsight CLI"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli.globalOptions)
	ctx.FatalIfErrorf(err)
}
