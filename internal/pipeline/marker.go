package pipeline

import (
	"context"

	"github.com/nhle/bookpipe/internal/logging"
	"github.com/nhle/bookpipe/internal/mailbox"
)

// MarkResult reports the two effects of marking a message. Seen is the
// load-bearing one; Archive failures only mean the label copy was lost.
type MarkResult struct {
	Seen    error
	Archive error
}

// OK reports whether the message is now excluded from future polls.
func (r MarkResult) OK() bool {
	return r.Seen == nil
}

// Marker flags handled messages as seen and copies them to an archive label.
type Marker struct {
	Label string
	Log   *logging.Logger
}

// NewMarker creates a Marker. An empty label disables the archive copy.
func NewMarker(label string, log *logging.Logger) *Marker {
	if log == nil {
		log = logging.Nop()
	}
	return &Marker{Label: label, Log: log}
}

// Mark sets the seen flag, then attempts the archive copy. The copy is
// skipped when the seen flag could not be set.
func (m *Marker) Mark(ctx context.Context, sess mailbox.Session, id string) MarkResult {
	var res MarkResult

	if err := sess.SetSeen(ctx, id); err != nil {
		res.Seen = err
		m.Log.Errorw("failed to mark message seen", "message", id, "error", err)
		return res
	}

	if m.Label == "" {
		return res
	}

	if err := sess.CopyToLabel(ctx, id, m.Label); err != nil {
		res.Archive = err
		m.Log.Warnw("archive label copy failed (the label may not exist)",
			"message", id, "label", m.Label, "error", err)
		return res
	}

	m.Log.Infow("message archived", "message", id, "label", m.Label)
	return res
}
