package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// RunLoop runs cycles until the context is cancelled. Between cycles the
// loop sleeps for the configured interval, waking early when the raw
// directory watcher sees a new file. The sleep is a scheduling delay only;
// cancellation happens between cycles, never inside one.
//
// Violations that survive recovery and lock contention stop the loop:
// both need an operator, and retrying them silently is how bad state
// propagates. Other cycle errors are logged and retried next interval.
func (p *Pipeline) RunLoop(ctx context.Context, opts CycleOptions) error {
	interval := p.cfg.LoopInterval()

	var wake <-chan struct{}
	if p.cfg.Loop.WatchRaw {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("create raw watcher: %w", err)
		}
		defer watcher.Close()
		if err := watcher.Add(p.cfg.Paths.RawDir); err != nil {
			return fmt.Errorf("watch %s: %w", p.cfg.Paths.RawDir, err)
		}
		wake = p.watchEvents(ctx, watcher)
	}

	for {
		rep, err := p.Cycle(ctx, opts)
		switch {
		case err == nil:
			if rep.Recovered {
				p.logger.Info("loop cycle passed after recovery", zap.String("run_id", rep.RunID))
			}
		case IsViolation(err), ExitCode(err) == ExitLocked:
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			p.logger.Error("loop cycle failed, retrying next interval", zap.Error(err))
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		case <-wake:
			timer.Stop()
			p.logger.Debug("raw directory changed, waking early")
		}
	}
}

// watchEvents drains the watcher, signalling wake on file creation. The
// generator contract is add-only, so creates are the only events that
// matter; the channel is buffered so a burst of files coalesces into one
// wake.
func (p *Pipeline) watchEvents(ctx context.Context, watcher *fsnotify.Watcher) <-chan struct{} {
	wake := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) {
					select {
					case wake <- struct{}{}:
					default:
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Warn("raw watcher error", zap.Error(err))
			}
		}
	}()
	return wake
}
