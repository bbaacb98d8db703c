package document

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cosim-robotics/coreplane/internal/coreerr"
	"github.com/cosim-robotics/coreplane/internal/document/rga"
	"github.com/cosim-robotics/coreplane/internal/substrate"
)

// persister is the small debounced writer named in spec.md §4.4: every
// local mutation marks the document dirty, and a single background
// goroutine coalesces any number of marks arriving within one interval
// into a single full-snapshot write. Because rga.Doc merges are
// idempotent, a write racing a concurrent local mutation can never
// corrupt the persisted state — at worst it persists a slightly stale
// snapshot that the next flush supersedes.
type persister struct {
	store    substrate.Store
	docID    string
	doc      *rga.Doc
	interval time.Duration
	logger   *zap.Logger

	dirty chan struct{}
	stop  chan struct{}
	done  chan struct{}
}

func newPersister(store substrate.Store, docID string, doc *rga.Doc, interval time.Duration, logger *zap.Logger) *persister {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &persister{
		store:    store,
		docID:    docID,
		doc:      doc,
		interval: interval,
		logger:   logger,
		dirty:    make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (p *persister) markDirty() {
	select {
	case p.dirty <- struct{}{}:
	default:
	}
}

// run coalesces dirty marks at p.interval until stopAndFlush is called.
func (p *persister) run(ctx context.Context) {
	defer close(p.done)
	timer := time.NewTimer(p.interval)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			if pending {
				p.flush(context.Background())
			}
			return
		case <-p.dirty:
			if !pending {
				pending = true
				timer.Reset(p.interval)
			}
		case <-timer.C:
			if pending {
				pending = false
				p.flush(ctx)
			}
		}
	}
}

func (p *persister) flush(ctx context.Context) {
	payload, err := encodeDoc(p.doc.Snapshot())
	if err != nil {
		p.logger.Warn("document snapshot encode failed", zap.String("doc_id", p.docID), zap.Error(err))
		return
	}
	if err := p.store.Set(ctx, substrate.DocKey(p.docID), payload, 0); err != nil {
		p.logger.Warn("document snapshot write failed",
			zap.String("doc_id", p.docID),
			zap.Error(coreerr.Wrap(coreerr.Unavailable, "persist document", err)))
	}
}

// stopAndFlush stops the coalescing loop and guarantees the latest
// state has been written before returning, so a disconnecting session
// never loses its final edits to the debounce window.
func (p *persister) stopAndFlush(ctx context.Context) {
	close(p.stop)
	<-p.done
	p.flush(ctx)
}
