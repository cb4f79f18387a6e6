package waggle

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultRelayPoll is the fallback scan interval when no file event arrives.
const DefaultRelayPoll = 2 * time.Second

// Relay delivers waggles written to the store by other processes (the CLI,
// hook commands) to this process's subscribers. It watches the database
// directory for writes and also scans on a timer, because WAL writes from
// another process are not always visible as file events. Each foreign row
// is delivered exactly once; rows written through this bus are skipped.
// Relay blocks until ctx is cancelled.
func (b *Bus) Relay(ctx context.Context, poll time.Duration) error {
	if err := b.beginRelay(ctx); err != nil {
		return err
	}
	return b.relayLoop(ctx, poll)
}

// StartRelay records the current high-water mark before returning and then
// relays in the background. Rows written after StartRelay returns are
// guaranteed to be relayed. The channel yields the loop's result once ctx
// is cancelled.
func (b *Bus) StartRelay(ctx context.Context, poll time.Duration) (<-chan error, error) {
	if err := b.beginRelay(ctx); err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() { done <- b.relayLoop(ctx, poll) }()
	return done, nil
}

func (b *Bus) beginRelay(ctx context.Context) error {
	seq, err := b.store.LatestWaggleSeq(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.relaying = true
	b.relaySeq = seq
	b.mu.Unlock()
	return nil
}

func (b *Bus) relayLoop(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = DefaultRelayPoll
	}
	defer func() {
		b.mu.Lock()
		b.relaying = false
		b.sent = make(map[int64]struct{})
		b.mu.Unlock()
	}()

	dbPath := b.store.Path()
	dir := filepath.Dir(dbPath)
	base := filepath.Base(dbPath)

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if addErr := watcher.Add(dir); addErr != nil {
			b.log.Warn("relay watch failed, polling only", "dir", dir, "error", addErr)
			_ = watcher.Close()
		} else {
			events, errs = watcher.Events, watcher.Errors
			defer watcher.Close()
		}
	} else {
		b.log.Warn("fsnotify unavailable, polling only", "error", err)
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !strings.HasPrefix(filepath.Base(ev.Name), base) || (!ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create)) {
				continue
			}
		case werr, ok := <-errs:
			if !ok {
				errs = nil
			} else {
				b.log.Debug("relay watcher error", "error", werr)
			}
			continue
		case <-ticker.C:
		}
		if err := b.relayOnce(ctx); err != nil && ctx.Err() == nil {
			b.log.Warn("relay scan failed", "error", err)
		}
	}
}

// relayOnce delivers every row past the high-water mark.
func (b *Bus) relayOnce(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		rows, err := b.store.WagglesAfter(ctx, b.relaySeq, 500)
		if err != nil {
			return fmt.Errorf("scan waggles: %w", err)
		}
		for _, row := range rows {
			b.relaySeq = row.Seq
			if _, mine := b.sent[row.Seq]; mine {
				delete(b.sent, row.Seq)
				continue
			}
			b.fanout(row.Waggle)
		}
		if len(rows) < 500 {
			return nil
		}
	}
}
