package model

import "time"

// InboundMessage is a message fetched from the mailbox during one poll cycle.
type InboundMessage struct {
	// ID is the transport-assigned identifier (IMAP UID or Gmail message ID).
	ID string `json:"id"`

	// Subject is the decoded Subject header.
	Subject string `json:"subject"`

	// Sender is the decoded From header, "Name <addr>" when a name is present.
	Sender string `json:"sender"`

	// Raw holds the full RFC 5322 message including all body parts.
	Raw []byte `json:"-"`
}

// Attachment is a text attachment extracted from an InboundMessage.
type Attachment struct {
	// Filename is the decoded attachment filename, original script preserved.
	Filename string `json:"filename"`

	// Content is the attachment payload decoded to UTF-8.
	Content string `json:"-"`

	// MessageID links the attachment back to its source message.
	MessageID string `json:"message_id"`
}

// ProcessingUnit is one extracted document scheduled for generation tasks.
type ProcessingUnit struct {
	// ID is the unique identifier used as the ledger key.
	ID string `json:"id"`

	// Name is the sanitized document name derived from the filename.
	Name string `json:"name"`

	// SourceFilename is the attachment filename as received.
	SourceFilename string `json:"source_filename"`

	// MessageID is the identifier of the message that carried the document.
	MessageID string `json:"message_id"`

	// CreatedAt is when the unit directory was created.
	CreatedAt time.Time `json:"created_at"`

	// Text is the full document text.
	Text string `json:"-"`

	// Dir is the unit's private output directory.
	Dir string `json:"dir"`

	// SourcePath is the scratch copy of Text inside Dir.
	SourcePath string `json:"source_path"`
}

// ProcessingRecord is the durable per-unit summary written after dispatch.
type ProcessingRecord struct {
	SourceFilename string        `json:"source_filename"`
	DocumentName   string        `json:"document_name"`
	ProcessedAt    time.Time     `json:"processed_at"`
	Outcomes       []TaskOutcome `json:"outcomes"`
}

// UnitSummary is a ledger row describing a processed unit, used by history.
type UnitSummary struct {
	ID             string        `db:"id"`
	MessageID      string        `db:"message_id"`
	Name           string        `db:"name"`
	SourceFilename string        `db:"source_filename"`
	Dir            string        `db:"dir"`
	CreatedAt      time.Time     `db:"created_at"`
	Outcomes       []TaskOutcome `db:"-"`
}

// Message ledger statuses.
const (
	MessageProcessed     = "processed"
	MessageNoAttachments = "no_attachments"
	MessageExtractFailed = "extract_failed"
	MessageUnitFailed    = "unit_failed"
	MessageRecordFailed  = "record_failed"
	MessageMarkFailed    = "mark_failed"
	MessageSkipped       = "skipped"
	MessageIgnored       = "ignored"
)
