package relay

import (
	"context"
	"time"

	"github.com/Tyrowin/grouprelay/internal/store"
)

// Run consumes the store change feed until ctx ends, re-broadcasting each
// stored write: rooms to everyone, messages to their group. A document that
// cannot be decoded is logged and skipped; feed errors are retried.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("reconciliation started", "consumer", r.opts.Consumer)
	defer r.logger.Info("reconciliation stopped", "consumer", r.opts.Consumer)

	var feed *store.Feed
	for feed == nil {
		f, err := r.feed.Subscribe(ctx, r.opts.Consumer)
		if err != nil {
			r.logger.Error("subscribe to change feed failed", "error", err)
			if !r.pause(ctx) {
				return nil
			}
			continue
		}
		feed = f
	}

	for {
		batch, err := feed.Next(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			r.logger.Error("read change feed failed", "error", err)
			if !r.pause(ctx) {
				return nil
			}
			continue
		}

		r.reconcile(ctx, batch)

		// A handled batch is committed even when ctx ends meanwhile.
		commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.StoreTimeout)
		if err := feed.Commit(commitCtx, batch); err != nil {
			r.logger.Warn("commit checkpoint failed", "checkpoint", batch.Checkpoint, "error", err)
		}
		cancel()
	}
}

func (r *Relay) reconcile(ctx context.Context, batch store.Batch) {
	for _, change := range batch.Changes {
		doc, err := change.Document()
		if err != nil {
			r.skipped.Add(1)
			r.logger.Warn("skipping malformed document", "seq", change.Seq, "id", change.ID, "error", err)
			continue
		}

		switch change.Kind {
		case store.KindRoom:
			err = r.broker.SendToAll(ctx, newEvent(EventNewRoom, doc))
		default:
			if doc.Message.Group == "" {
				r.skipped.Add(1)
				r.logger.Warn("skipping message without group", "seq", change.Seq, "id", doc.ID)
				continue
			}
			unlock := r.sequence.Lock(doc.Message.Group)
			err = r.broker.SendToGroup(ctx, doc.Message.Group, newEvent(EventNewMessage, doc))
			unlock()
		}
		if err != nil {
			r.skipped.Add(1)
			r.logger.Warn("re-broadcast failed", "seq", change.Seq, "id", doc.ID, "kind", change.Kind, "error", err)
			continue
		}
		r.reconciled.Add(1)
	}
}

func (r *Relay) pause(ctx context.Context) bool {
	t := time.NewTimer(r.opts.RetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
