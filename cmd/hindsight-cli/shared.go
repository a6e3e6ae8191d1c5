package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/progress"
	jsoniter "github.com/json-iterator/go"

	"github.com/hindsightlabs/hindsight/pkg/httpclient"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newClient(opts *globalOptions) *httpclient.Client {
	if opts.Compress {
		return httpclient.NewWithCompression(opts.Endpoint)
	}
	return httpclient.New(opts.Endpoint)
}

func printAsJSON(value any) error {
	out, err := json.Marshal(value)
	if err != nil {
		return err
	}

	fmt.Println(string(out))

	return nil
}

func formatMs(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// newTracker starts a byte-count progress bar on stderr so stdout stays
// clean for piped output.
func newTracker(message string) (progress.Writer, *progress.Tracker) {
	pw := progress.NewWriter()
	pw.SetOutputWriter(os.Stderr)
	pw.SetUpdateFrequency(100 * time.Millisecond)
	go pw.Render()

	tracker := &progress.Tracker{
		Message: message,
		Units:   progress.UnitsBytes,
	}
	pw.AppendTracker(tracker)

	return pw, tracker
}

func stopTracker(pw progress.Writer) {
	pw.Stop()
	for pw.IsRenderInProgress() {
		time.Sleep(10 * time.Millisecond)
	}
}
