package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/logperiodic/logp/monitor"
)

// defaultQuery selects every entry of every event
const defaultQuery = `{"select":"entry","from":["ev",0,null]}`

// newGetCmd creates the "logp get" subcommand
func newGetCmd(a *app) *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "get [query-json [state-json]]",
		Short: "Print entries matching a query",
		Long:  "Prints one JSON line per matching entry, ordered by timestamp. With -f the\ncommand keeps printing new entries as they arrive.",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			query, state, err := parseGetArgs(args)
			if err != nil {
				return err
			}

			mode := monitor.Snapshot
			if follow {
				mode = monitor.Follow
			}
			out := cmd.OutOrStdout()
			consumer := monitor.New(mode, func(entry json.RawMessage) {
				if err := writeEntry(out, entry); err != nil {
					a.logger.Error("unable to print entry", "error", err)
				}
			})

			return a.stream(cmd.Context(), consumer.Query(query, state), consumer.Done())
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing entries as they arrive")

	return cmd
}

// parseGetArgs validates the optional query and state arguments. A nil
// state is omitted from the request.
func parseGetArgs(args []string) (json.RawMessage, any, error) {
	query := json.RawMessage(defaultQuery)
	var state any

	if len(args) > 0 {
		if !json.Valid([]byte(args[0])) {
			return nil, nil, fmt.Errorf("query is not valid JSON: %s", args[0])
		}
		query = json.RawMessage(args[0])
	}
	if len(args) > 1 {
		if !json.Valid([]byte(args[1])) {
			return nil, nil, fmt.Errorf("state is not valid JSON: %s", args[1])
		}
		state = json.RawMessage(args[1])
	}

	return query, state, nil
}

// writeEntry prints entry as a single line
func writeEntry(w io.Writer, entry json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Compact(&buf, entry); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}
