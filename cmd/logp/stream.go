package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/logperiodic/logp/client"
)

// errNoReadAccess is reported when the API key cannot query entries
var errNoReadAccess = errors.New("API key does not grant read access")

// stream runs query until done is closed, the handshake fails or the
// command is interrupted
func (a *app) stream(ctx context.Context, query *client.Query, done <-chan struct{}) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fatal := make(chan error, 1)
	worker, err := a.newWorker(func(resp client.IniResponse) {
		err := iniError(resp)
		if err == nil && !resp.CanRead() {
			err = &exitError{code: exitPermissionDenied, err: errNoReadAccess}
		}
		if err != nil {
			select {
			case fatal <- err:
			default:
			}
		}
	}, nil)
	if err != nil {
		return err
	}

	worker.Submit(query)
	worker.Run(ctx)
	defer worker.Close()

	select {
	case <-done:
		// A refused handshake is reported before any query result.
		select {
		case err := <-fatal:
			return err
		default:
			return nil
		}
	case err := <-fatal:
		return err
	case <-ctx.Done():
		return nil
	}
}
