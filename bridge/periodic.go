package bridge

import (
	"context"
	"time"
)

// periodicTask repeats a set of messages over an existing session. The
// ticker goroutine owns nothing shared; stopping is cancel plus wait.
type periodicTask struct {
	index  byte
	key    SessionKey
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *periodicTask) stop() {
	t.cancel()
	<-t.done
}

func (b *Bridge) startPeriodic(ctx context.Context, cmd StartPeriodic) error {
	if cmd.Interval <= 0 {
		return ErrBadInterval
	}
	if len(cmd.Messages) == 0 {
		return ErrNoMessages
	}
	key := SessionKey{RequestID: cmd.RequestID, ReplyID: cmd.ReplyID}
	entry := b.byKey[key]
	if entry == nil {
		return ErrNoSession
	}

	// Restarting an index replaces the running task.
	if existing := b.periodic[cmd.Index]; existing != nil {
		existing.stop()
		delete(b.periodic, cmd.Index)
	}
	if len(b.periodic) >= b.cfg.MaxPeriodic {
		return ErrPeriodicLimit
	}

	tctx, cancel := context.WithCancel(ctx)
	task := &periodicTask{
		index:  cmd.Index,
		key:    key,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.runPeriodic(tctx, task, entry, cmd)
	b.periodic[cmd.Index] = task

	b.log.Info("[bridge] periodic task started", "index", cmd.Index, "session", key, "interval", cmd.Interval, "messages", len(cmd.Messages))
	return nil
}

func (b *Bridge) stopPeriodic(cmd StopPeriodic) error {
	task := b.periodic[cmd.Index]
	if task == nil || task.key != (SessionKey{RequestID: cmd.RequestID, ReplyID: cmd.ReplyID}) {
		return ErrNoPeriodic
	}
	task.stop()
	delete(b.periodic, cmd.Index)
	b.log.Info("[bridge] periodic task stopped", "index", cmd.Index)
	return nil
}

// runPeriodic sends one message per tick, cycling through the list. Each
// transmission completes before the next is submitted; ticks that land
// while a transfer is still running are absorbed by the ticker.
func (b *Bridge) runPeriodic(ctx context.Context, task *periodicTask, entry *sessionEntry, cmd StartPeriodic) {
	defer close(task.done)

	ticker := time.NewTicker(cmd.Interval)
	defer ticker.Stop()

	next := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg := cmd.Messages[next%len(cmd.Messages)]
			next++

			done, err := entry.session.Submit(ctx, msg)
			if err != nil {
				b.log.Warn("[bridge] periodic submit failed", "index", task.index, "err", err)
				continue
			}
			select {
			case err := <-done:
				if err != nil {
					b.log.Warn("[bridge] periodic transmission failed", "index", task.index, "err", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
