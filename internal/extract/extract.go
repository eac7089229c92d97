// Package extract pulls text attachments out of raw MIME messages.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/text/encoding/japanese"

	"github.com/nhle/bookpipe/internal/logging"
	"github.com/nhle/bookpipe/internal/model"
)

func init() {
	// Windows mail clients label Shift_JIS with these names, which the IANA
	// index does not resolve.
	charset.RegisterEncoding("cp932", japanese.ShiftJIS)
	charset.RegisterEncoding("windows-31j", japanese.ShiftJIS)
	charset.RegisterEncoding("x-sjis", japanese.ShiftJIS)
}

// Extractor selects text attachments by filename extension.
type Extractor struct {
	extensions map[string]bool
	log        *logging.Logger
}

// New creates an Extractor recognizing the given extensions
// (case-insensitive, with or without the leading dot).
func New(extensions []string, log *logging.Logger) *Extractor {
	e := &Extractor{
		extensions: make(map[string]bool, len(extensions)),
		log:        log,
	}
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		e.extensions[ext] = true
	}
	return e
}

// Extract walks every body part of msg and returns its text attachments.
// Attachments with other extensions and inline parts are skipped. An error
// is returned only when the message cannot be parsed at all, or breaks
// before any attachment was recovered.
func (e *Extractor) Extract(msg model.InboundMessage) ([]model.Attachment, error) {
	mr, err := mail.CreateReader(bytes.NewReader(msg.Raw))
	if mr == nil {
		return nil, fmt.Errorf("parsing message %s: %w", msg.ID, err)
	}
	defer mr.Close()

	var attachments []model.Attachment

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			if len(attachments) == 0 {
				return nil, fmt.Errorf("reading parts of message %s: %w", msg.ID, err)
			}
			e.log.Warnw("message truncated after partial extraction",
				"message", msg.ID, "recovered", len(attachments), "error", err)
			break
		}
		if part == nil {
			continue
		}

		h, ok := part.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}

		name := filename(h)
		if !e.recognized(name) {
			e.log.Debugw("skipping non-text attachment", "message", msg.ID, "filename", name)
			continue
		}

		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			e.log.Warnw("unreadable attachment", "message", msg.ID,
				"filename", name, "error", readErr)
			continue
		}

		attachments = append(attachments, model.Attachment{
			Filename:  name,
			Content:   decodePayload(h, body),
			MessageID: msg.ID,
		})
		e.log.Infow("text attachment found", "message", msg.ID, "filename", name)
	}

	return attachments, nil
}

func (e *Extractor) recognized(name string) bool {
	return e.extensions[strings.ToLower(filepath.Ext(name))]
}

// filename returns the decoded attachment filename, falling back to the
// raw parameter repaired as UTF-8 when decoding fails.
func filename(h *mail.AttachmentHeader) string {
	if name, err := h.Filename(); err == nil && name != "" {
		return name
	}

	_, params, _ := h.ContentDisposition()
	name := params["filename"]
	if name == "" {
		_, params, _ = h.ContentType()
		name = params["name"]
	}
	return strings.ToValidUTF8(name, "\uFFFD")
}

// decodePayload converts an attachment body to UTF-8. go-message already
// transcodes text/* parts with a known charset; other media types that
// declare a charset are transcoded here. Anything left is treated as UTF-8
// with invalid sequences replaced.
func decodePayload(h *mail.AttachmentHeader, body []byte) string {
	mediaType, params, _ := h.ContentType()
	if cs := params["charset"]; cs != "" && !strings.HasPrefix(mediaType, "text/") {
		if r, err := charset.Reader(cs, bytes.NewReader(body)); err == nil {
			if decoded, err := io.ReadAll(r); err == nil {
				body = decoded
			}
		}
	}

	text := strings.ToValidUTF8(string(body), "\uFFFD")
	return strings.TrimPrefix(text, "\uFEFF")
}
