// Package pipeline runs poll cycles: fetch unseen messages, classify,
// extract, dispatch, record and mark.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nhle/bookpipe/internal/classify"
	"github.com/nhle/bookpipe/internal/dispatch"
	"github.com/nhle/bookpipe/internal/extract"
	"github.com/nhle/bookpipe/internal/logging"
	"github.com/nhle/bookpipe/internal/mailbox"
	"github.com/nhle/bookpipe/internal/model"
	"github.com/nhle/bookpipe/internal/record"
	"github.com/nhle/bookpipe/internal/store"
	"github.com/nhle/bookpipe/internal/workspace"
)

// Deps are the components a Controller drives.
type Deps struct {
	Mailbox    mailbox.Mailbox
	Classifier *classify.Classifier
	Extractor  *extract.Extractor
	Workspace  *workspace.Workspace
	Dispatcher *dispatch.Dispatcher
	Records    *record.Writer
	Marker     *Marker

	// Store is the advisory ledger. Nil uses store.NopStore.
	Store store.Store
	Log   *logging.Logger

	// MaxMisses marks a non-candidate seen after this many rejections.
	// Zero reconsiders non-candidates forever.
	MaxMisses int

	// TransportTimeout bounds each mailbox call. Zero disables it.
	TransportTimeout time.Duration
}

// CycleSummary counts what one poll cycle did.
type CycleSummary struct {
	Found      int
	Candidates int
	Processed  int
	Skipped    int
	Ignored    int
	Failed     int
	Units      int
}

// Controller owns the mailbox session for the duration of each cycle.
// Cycles never overlap.
type Controller struct {
	deps Deps
	log  *logging.Logger
	mu   sync.Mutex
}

// New creates a Controller.
func New(deps Deps) *Controller {
	if deps.Store == nil {
		deps.Store = store.NopStore{}
	}
	if deps.Log == nil {
		deps.Log = logging.Nop()
	}
	if deps.Marker == nil {
		deps.Marker = NewMarker("", deps.Log)
	}
	return &Controller{deps: deps, log: deps.Log}
}

// RunOnce runs a single poll cycle. Authentication and search failures end
// the cycle with an error; failures of individual messages are logged and
// counted. The session is closed on every path.
func (c *Controller) RunOnce(ctx context.Context) (CycleSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var sum CycleSummary

	tctx, cancel := c.transport(ctx)
	sess, err := c.deps.Mailbox.Connect(tctx)
	cancel()
	if err != nil {
		return sum, fmt.Errorf("connecting to mailbox: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			c.log.Warnw("closing mailbox session", "error", err)
		}
	}()

	tctx, cancel = c.transport(ctx)
	ids, err := sess.SearchUnseen(tctx)
	cancel()
	if err != nil {
		return sum, fmt.Errorf("searching unseen messages: %w", err)
	}

	sum.Found = len(ids)
	if len(ids) == 0 {
		c.log.Infow("no messages to process")
		return sum, nil
	}
	c.log.Infow("unseen messages found", "count", len(ids))

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		c.processMessage(ctx, sess, id, &sum)
	}

	c.log.Infow("cycle finished",
		"found", sum.Found,
		"candidates", sum.Candidates,
		"processed", sum.Processed,
		"skipped", sum.Skipped,
		"ignored", sum.Ignored,
		"failed", sum.Failed,
		"units", sum.Units,
	)

	return sum, ctx.Err()
}

func (c *Controller) processMessage(
	ctx context.Context, sess mailbox.Session, id string, sum *CycleSummary,
) {
	log := c.log.WithField("message", id)

	tctx, cancel := c.transport(ctx)
	msg, err := sess.Fetch(tctx, id)
	cancel()
	if err != nil {
		sum.Failed++
		log.Errorw("fetch failed, skipping message", "error", err)
		return
	}

	if !c.deps.Classifier.IsCandidate(msg.Subject, msg.Sender) {
		sum.Skipped++
		log.Debugw("not a book submission", "subject", msg.Subject, "sender", msg.Sender)
		c.handleMiss(ctx, sess, msg, sum)
		return
	}

	sum.Candidates++
	log.Infow("processing message", "subject", msg.Subject, "sender", msg.Sender)

	attachments, err := c.deps.Extractor.Extract(*msg)
	if err != nil {
		sum.Failed++
		log.Errorw("extraction failed, message left unseen", "error", err)
		c.setStatus(ctx, msg, model.MessageExtractFailed)
		return
	}

	if len(attachments) == 0 {
		log.Warnw("no text attachments", "subject", msg.Subject)
	}

	for _, att := range attachments {
		unit, err := c.deps.Workspace.Create(att)
		if err != nil {
			sum.Failed++
			log.Errorw("creating unit failed, message left unseen",
				"filename", att.Filename, "error", err)
			c.setStatus(ctx, msg, model.MessageUnitFailed)
			return
		}
		sum.Units++

		if err := c.processUnit(ctx, unit); err != nil {
			sum.Failed++
			log.Errorw("writing processing record failed, message left unseen",
				"filename", att.Filename, "error", err)
			c.setStatus(ctx, msg, model.MessageRecordFailed)
			return
		}

		if ctx.Err() != nil {
			log.Warnw("interrupted, message left unseen")
			return
		}
	}

	tctx, cancel = c.transport(ctx)
	res := c.deps.Marker.Mark(tctx, sess, msg.ID)
	cancel()
	if !res.OK() {
		sum.Failed++
		c.setStatus(ctx, msg, model.MessageMarkFailed)
		return
	}

	sum.Processed++
	if len(attachments) == 0 {
		c.setStatus(ctx, msg, model.MessageNoAttachments)
	} else {
		c.setStatus(ctx, msg, model.MessageProcessed)
	}
}

// processUnit dispatches every task for unit, then writes the record.
// The record waits for all tasks to resolve. A unit without a record is
// not finished, so the record error is returned.
func (c *Controller) processUnit(ctx context.Context, unit *model.ProcessingUnit) error {
	log := c.log.With("unit", unit.Name, "dir", unit.Dir)
	log.Infow("dispatching tasks", "filename", unit.SourceFilename)

	outcomes := c.deps.Dispatcher.DispatchOrdered(ctx, unit)

	if err := c.deps.Store.SaveUnit(context.WithoutCancel(ctx), unit, outcomes); err != nil {
		log.Warnw("ledger write failed", "error", err)
	}

	path, err := c.deps.Records.Write(unit, outcomes)
	if err != nil {
		return fmt.Errorf("writing record for %s: %w", unit.Name, err)
	}
	log.Infow("unit finished", "record", path)
	return nil
}

// handleMiss applies the miss policy to a non-candidate.
func (c *Controller) handleMiss(
	ctx context.Context, sess mailbox.Session, msg *model.InboundMessage, sum *CycleSummary,
) {
	misses, err := c.deps.Store.RecordMiss(ctx, *msg)
	if err != nil {
		c.log.Warnw("ledger write failed", "message", msg.ID, "error", err)
		return
	}

	if c.deps.MaxMisses <= 0 || misses < c.deps.MaxMisses {
		return
	}

	tctx, cancel := c.transport(ctx)
	err = sess.SetSeen(tctx, msg.ID)
	cancel()
	if err != nil {
		c.log.Warnw("could not retire non-candidate", "message", msg.ID, "error", err)
		return
	}

	sum.Skipped--
	sum.Ignored++
	c.log.Infow("non-candidate marked seen after repeated misses",
		"message", msg.ID, "misses", misses)
	c.setStatus(ctx, msg, model.MessageIgnored)
}

func (c *Controller) setStatus(ctx context.Context, msg *model.InboundMessage, status string) {
	if err := c.deps.Store.SetMessageStatus(context.WithoutCancel(ctx), *msg, status); err != nil {
		c.log.Warnw("ledger write failed", "message", msg.ID, "status", status, "error", err)
	}
}

func (c *Controller) transport(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.deps.TransportTimeout > 0 {
		return context.WithTimeout(ctx, c.deps.TransportTimeout)
	}
	return context.WithCancel(ctx)
}
