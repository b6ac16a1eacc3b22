// Package filewatch cancels contexts on changes of config files, so that servers restart with new configs.
package filewatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// ErrModified is the cause of contexts cancelled by file modification.
var ErrModified = errors.New("filewatch: watched file is modified")

// UntilModifyContext returns a context that is cancelled
// when one of target files (or files in target directories) is written, created, removed, renamed or chmod-ed.
//
// The cause of the cancellation wraps ErrModified.
//
// # Returns
//
// - context.Context: context that is cancelled when one of target files is modified.
//
// - func(): cancel function.
//
// - error: error caused when it fails to start watching files.
// If error is not nil, both of the context and the cancel function are nil.
func UntilModifyContext(ctx context.Context, targetFilePath ...string) (context.Context, func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	for _, f := range targetFilePath {
		if err := w.Add(f); err != nil {
			w.Close()
			return nil, nil, fmt.Errorf("watching %s: %w", f, err)
		}
	}

	cctx, cancel := context.WithCancelCause(ctx)
	go func() {
		defer w.Close()
		for {
			select {
			case <-cctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				cancel(fmt.Errorf("%w: %s (%s)", ErrModified, event.Name, event.Op.String()))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				cancel(fmt.Errorf("%w: watcher is broken: %w", ErrModified, err))
			}
		}
	}()

	return cctx, func() { cancel(nil) }, nil
}
