package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/logperiodic/logp/client"
	"github.com/logperiodic/logp/internal/config"
)

// newConfigCmd creates the "logp config" subcommand
func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printConfig(cmd.OutOrStdout(), a.cfg, a.apiKey())
		},
	}

	cmd.AddCommand(newSetKeyCmd())

	return cmd
}

func newSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key [key]",
		Short: "Store the API key used when the config file has none",
		Long:  "Stores the API key in ~/.logp/credentials. Without an argument the key\nis read from standard input, without echo when it is a terminal.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key string
			if len(args) == 1 {
				key = args[0]
			} else {
				var err error
				if key, err = readKey(cmd.InOrStdin(), cmd.ErrOrStderr()); err != nil {
					return err
				}
			}

			store, err := client.NewAPIKeyStore()
			if err != nil {
				return err
			}
			if err := store.SaveKey(key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "API key saved to %s\n", store.FilePath())
			return nil
		},
	}
}

// readKey reads one line from in, prompting on prompt and disabling echo
// when in is a terminal
func readKey(in io.Reader, prompt io.Writer) (string, error) {
	var line string
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "API key: ")
		data, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("reading API key: %w", err)
		}
		line = string(data)
	} else {
		data, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("reading API key: %w", err)
		}
		line = data
	}

	key := strings.TrimSpace(line)
	if key == "" {
		return "", errors.New("no API key given")
	}
	return key, nil
}

// printConfig writes cfg as YAML with the API key masked
func printConfig(w io.Writer, cfg *config.Config, key string) error {
	if cfg.Path != "" {
		fmt.Fprintf(w, "# loaded from %s\n", cfg.Path)
	} else {
		fmt.Fprintln(w, "# no config file loaded")
	}

	view := *cfg
	view.APIKey = client.MaskKey(key)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&view); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
