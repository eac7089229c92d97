package testutil

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
)

// Part describes one attachment of a test message.
type Part struct {
	Filename    string
	ContentType string
	Body        []byte
}

// TextPart returns a UTF-8 text/plain attachment.
func TextPart(filename, body string) Part {
	return Part{
		Filename:    filename,
		ContentType: "text/plain; charset=utf-8",
		Body:        []byte(body),
	}
}

// BinaryPart returns an application/octet-stream attachment.
func BinaryPart(filename string, body []byte) Part {
	return Part{
		Filename:    filename,
		ContentType: "application/octet-stream",
		Body:        body,
	}
}

// BuildMessage composes a multipart/mixed message with a short inline text
// body followed by the given attachments.
func BuildMessage(t *testing.T, subject, from string, parts ...Part) []byte {
	t.Helper()

	var h mail.Header
	h.SetDate(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	h.SetSubject(subject)
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: "reader@example.com"}})

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		t.Fatalf("creating mail writer: %v", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		t.Fatalf("creating inline part: %v", err)
	}
	var th mail.InlineHeader
	th.Set("Content-Type", "text/plain; charset=utf-8")
	w, err := tw.CreatePart(th)
	if err != nil {
		t.Fatalf("creating text part: %v", err)
	}
	_, _ = io.WriteString(w, "Sent from the scanner.")
	_ = w.Close()
	_ = tw.Close()

	for _, p := range parts {
		var ah mail.AttachmentHeader
		ah.Set("Content-Type", p.ContentType)
		ah.SetFilename(p.Filename)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			t.Fatalf("creating attachment %s: %v", p.Filename, err)
		}
		if _, err := aw.Write(p.Body); err != nil {
			t.Fatalf("writing attachment %s: %v", p.Filename, err)
		}
		_ = aw.Close()
	}

	if err := mw.Close(); err != nil {
		t.Fatalf("closing mail writer: %v", err)
	}

	return buf.Bytes()
}
