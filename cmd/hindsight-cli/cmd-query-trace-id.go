package main

type queryTraceIDCmd struct {
	TraceID string `arg:"" help:"trace event ID to retrieve"`
}

func (cmd *queryTraceIDCmd) Run(opts *globalOptions) error {
	client := newClient(opts)

	event, err := client.QueryTrace(cmd.TraceID)
	if err != nil {
		return err
	}

	return printAsJSON(event)
}
