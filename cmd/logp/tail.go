package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/logperiodic/logp/monitor"
)

// newTailCmd creates the "logp tail" subcommand
func newTailCmd(a *app) *cobra.Command {
	var eventID uint64

	cmd := &cobra.Command{
		Use:   "tail -e <event-id>",
		Short: "Replay and follow the output of an event",
		Long:  "Writes the captured stdout and stderr of an event to the terminal, in\norder, and keeps following until the process has ended.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if eventID == 0 {
				return errors.New("must provide an event id with -e")
			}

			stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
			consumer := monitor.New(monitor.Follow,
				func(entry json.RawMessage) {
					if err := writeOutput(stdout, stderr, entry); err != nil {
						a.logger.Warn("skipping unreadable entry", "error", err)
					}
				},
				monitor.WithTerminal(func(entry json.RawMessage) bool {
					return monitor.HasField(entry, "en")
				}),
			)

			return a.stream(cmd.Context(), consumer.Query(tailQuery(eventID), nil), consumer.Done())
		},
	}

	cmd.Flags().Uint64VarP(&eventID, "event", "e", 0, "event to tail")

	return cmd
}

// tailQuery selects the output entries and the end record of one event
func tailQuery(eventID uint64) map[string]any {
	return map[string]any{
		"select": "entry",
		"from":   []any{"ev", eventID},
		"where": map[string]any{
			"or": [][]string{
				{"ty", "stdout"},
				{"ty", "stderr"},
				{"en"},
			},
		},
	}
}

// outputEntry is the part of a stdout or stderr entry tail prints
type outputEntry struct {
	Type string `json:"ty"`
	Data struct {
		Text string `json:"txt"`
	} `json:"da"`
}

// writeOutput copies the text of entry to the stream it was captured from
func writeOutput(stdout, stderr io.Writer, entry json.RawMessage) error {
	var e outputEntry
	if err := json.Unmarshal(entry, &e); err != nil {
		return fmt.Errorf("failed to unmarshal entry: %w", err)
	}

	var err error
	switch e.Type {
	case "stdout":
		_, err = io.WriteString(stdout, e.Data.Text)
	case "stderr":
		_, err = io.WriteString(stderr, e.Data.Text)
	}
	return err
}
