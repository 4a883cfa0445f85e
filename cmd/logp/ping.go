package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/logperiodic/logp/client"
)

// pingInterval is the pause between a pong and the next ping
const pingInterval = time.Second

var (
	headingStyle = lipgloss.NewStyle().Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// newPingCmd creates the "logp ping" subcommand
func newPingCmd(a *app) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check the connection to the server",
		Long:  "Connects to the server, prints what it reports about the API key, and\nmeasures round-trip time and clock skew until interrupted or -c pings\nhave been answered.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if count < 0 || (count == 0 && cmd.Flags().Changed("count")) {
				return fmt.Errorf("bad value for count: %d", count)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.ping(ctx, cmd.OutOrStdout(), count)
		},
	}

	cmd.Flags().IntVarP(&count, "count", "c", 0, "number of pings to send (default: until interrupted)")

	return cmd
}

// ping prints the connection summary and runs the ping loop. A count of
// zero pings forever.
func (a *app) ping(ctx context.Context, out io.Writer, count int) error {
	printTarget(out, a.cfg.Endpoint, a.apiKey(), a.cfg.TLSNoVerify)

	inis := make(chan client.IniResponse, 1)
	pongs := make(chan client.Pong, 1)

	worker, err := a.newWorker(
		func(resp client.IniResponse) {
			select {
			case inis <- resp:
			default:
			}
		},
		func(err error) {
			fmt.Fprintln(out, mutedStyle.Render("connection failed: "+err.Error()))
		},
	)
	if err != nil {
		return err
	}
	worker.Run(ctx)
	defer worker.Close()

	submit := func() {
		ping := client.NewPing(func(p client.Pong) {
			select {
			case pongs <- p:
			default:
			}
		})
		ping.Clock = a.clock
		worker.Submit(ping)
	}

	var (
		started  bool
		answered int
		next     <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			return nil

		case resp := <-inis:
			if err := printAccess(out, resp); err != nil {
				return err
			}
			if !started {
				started = true
				submit()
			}

		case pong := <-pongs:
			fmt.Fprintln(out, formatPong(pong))
			answered++
			if count > 0 && answered >= count {
				return nil
			}
			next = a.clock.After(pingInterval)

		case <-next:
			next = nil
			submit()
		}
	}
}

// printTarget describes where the agent is about to connect
func printTarget(out io.Writer, uri, key string, tlsNoVerify bool) {
	fmt.Fprintln(out, headingStyle.Render("Connecting to:"))
	fmt.Fprintf(out, "  URI: %s\n", uri)
	fmt.Fprintf(out, "  Key: %s\n", client.MaskKey(key))
	switch {
	case strings.HasPrefix(uri, "wss:"):
		if tlsNoVerify {
			fmt.Fprintln(out, "  "+warningStyle.Render("TLS Verification OFF!"))
		}
	case strings.HasPrefix(uri, "ws:"):
		fmt.Fprintln(out, "  "+warningStyle.Render("Plain-text connection (not wss://)!"))
	}
	fmt.Fprintln(out)
}

// printAccess reports the handshake result. It returns the error the
// command should exit with when the server refused access.
func printAccess(out io.Writer, resp client.IniResponse) error {
	if !resp.Ok() {
		return iniError(resp)
	}

	fmt.Fprintln(out, headingStyle.Render("Server info:"))
	fmt.Fprintf(out, "  Protocol: %d\n", resp.Protocol)
	fmt.Fprintf(out, "  Time:     %d\n", resp.Time)
	fmt.Fprintln(out)

	fmt.Fprintln(out, headingStyle.Render("Access:"))
	if resp.Perm == 0 {
		fmt.Fprintln(out, "  Permissions: "+warningStyle.Render("NONE (exiting)"))
		return iniError(resp)
	}
	fmt.Fprintf(out, "  Permissions: %s\n", permissionString(resp))
	fmt.Fprintln(out)
	return nil
}

func permissionString(resp client.IniResponse) string {
	var perms []string
	if resp.CanRead() {
		perms = append(perms, "READ")
	}
	if resp.CanWrite() {
		perms = append(perms, "WRITE")
	}
	if len(perms) == 0 {
		return fmt.Sprintf("unknown (%d)", resp.Perm)
	}
	return strings.Join(perms, " ")
}

func formatPong(p client.Pong) string {
	return fmt.Sprintf("PONG %dus server time %d skew %s",
		p.RoundTrip.Microseconds(), p.ServerTime, p.Skew.Round(time.Microsecond))
}
