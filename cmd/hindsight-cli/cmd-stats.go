package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
)

type statsCmd struct {
	JSON bool `help:"print the raw stats as JSON"`
}

func (cmd *statsCmd) Run(opts *globalOptions) error {
	client := newClient(opts)

	stats, err := client.Stats()
	if err != nil {
		return err
	}

	if cmd.JSON {
		return printAsJSON(stats)
	}

	out := [][]string{
		{"sessions", humanize.Comma(stats.Store.SessionCount)},
		{"trace events", humanize.Comma(stats.Store.TraceCount)},
		{"snapshots", humanize.Comma(stats.Store.SnapshotCount)},
		{"stored bytes", humanize.Bytes(uint64(stats.Store.TotalBytes))},
		{"events collected", humanize.Comma(int64(stats.Collector.TotalEvents))},
		{"events dropped", humanize.Comma(int64(stats.Collector.DroppedEvents))},
		{"collection errors", humanize.Comma(int64(stats.Collector.ErrorCount))},
		{"events per second", fmt.Sprintf("%.2f", stats.Collector.EventsPerSecond)},
		{"avg processing ms", fmt.Sprintf("%.3f", stats.Collector.AvgProcessingMs)},
		{"buffer utilization", fmt.Sprintf("%.1f%%", stats.Collector.BufferUtilization*100)},
		{"sampling rate", fmt.Sprintf("%.2f", stats.Collector.SamplingRate)},
	}

	w := tablewriter.NewWriter(os.Stdout)
	w.Header([]string{"stat", "value"})
	if err := w.Bulk(out); err != nil {
		return err
	}
	return w.Render()
}
