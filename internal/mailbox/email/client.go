package email

import (
	"context"
	"fmt"
	"mime"
	"net"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"

	"github.com/nhle/bookpipe/internal/mailbox"
	"github.com/nhle/bookpipe/internal/model"
)

// IMAPClient wraps go-imap v2 for connecting to an IMAP mailbox.
type IMAPClient struct {
	host      string
	port      string
	username  string
	password  string
	tls       bool
	plaintext bool
	folder    string
}

// Option customizes an IMAPClient.
type Option func(*IMAPClient)

// WithPlaintext dials without TLS or STARTTLS.
func WithPlaintext() Option {
	return func(c *IMAPClient) { c.plaintext = true }
}

// NewIMAPClient creates a new IMAP client configuration. An empty folder
// selects INBOX.
func NewIMAPClient(
	host, port, username, password string, tls bool, folder string, opts ...Option,
) *IMAPClient {
	if folder == "" {
		folder = "INBOX"
	}
	c := &IMAPClient{
		host:     host,
		port:     port,
		username: username,
		password: password,
		tls:      tls,
		folder:   folder,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect establishes a connection to the IMAP server, authenticates and
// selects the configured folder.
func (c *IMAPClient) Connect(ctx context.Context) (mailbox.Session, error) {
	addr := net.JoinHostPort(c.host, c.port)

	opts := &imapclient.Options{
		WordDecoder: &mime.WordDecoder{CharsetReader: charset.Reader},
	}

	var client *imapclient.Client
	var err error

	switch {
	case c.plaintext:
		client, err = imapclient.DialInsecure(addr, opts)
	case c.tls:
		client, err = imapclient.DialTLS(addr, opts)
	default:
		client, err = imapclient.DialStartTLS(addr, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	err = wait(ctx, client, func() error {
		return client.Login(c.username, c.password).Wait()
	})
	if err != nil {
		_ = client.Close()
		return nil, &mailbox.AuthError{
			Kind: model.MailboxIMAP,
			Message: fmt.Sprintf(
				"authentication failed for %s: %v",
				c.username, err,
			),
		}
	}

	err = wait(ctx, client, func() error {
		_, err := client.Select(c.folder, nil).Wait()
		return err
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("selecting %s: %w", c.folder, err)
	}

	return &Session{client: client}, nil
}

// Session is an authenticated IMAP connection with a selected folder.
type Session struct {
	client *imapclient.Client
}

// SearchUnseen returns the UIDs of messages without the \Seen flag.
func (s *Session) SearchUnseen(ctx context.Context) ([]string, error) {
	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}

	var data *imap.SearchData
	err := wait(ctx, s.client, func() error {
		var err error
		data, err = s.client.UIDSearch(criteria, nil).Wait()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("searching unseen messages: %w", err)
	}

	uids := data.AllUIDs()
	ids := make([]string, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, strconv.FormatUint(uint64(uid), 10))
	}

	return ids, nil
}

// Fetch retrieves the envelope and full body of a message. The body is
// fetched with BODY.PEEK so the message stays unseen.
func (s *Session) Fetch(ctx context.Context, id string) (*model.InboundMessage, error) {
	uid, err := parseUID(id)
	if err != nil {
		return nil, &mailbox.FetchError{ID: id, Err: err}
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	var buf *imapclient.FetchMessageBuffer
	err = wait(ctx, s.client, func() error {
		fetchCmd := s.client.Fetch(imap.UIDSetNum(uid), fetchOpts)
		defer fetchCmd.Close()

		msg := fetchCmd.Next()
		if msg == nil {
			return fmt.Errorf("message UID %d not found", uid)
		}

		var err error
		buf, err = msg.Collect()
		if err != nil {
			return fmt.Errorf("collecting message data: %w", err)
		}

		return fetchCmd.Close()
	})
	if err != nil {
		return nil, &mailbox.FetchError{ID: id, Err: err}
	}

	raw := buf.FindBodySection(bodySection)
	if raw == nil {
		return nil, &mailbox.FetchError{ID: id, Err: fmt.Errorf("empty body")}
	}

	msg := &model.InboundMessage{ID: id, Raw: raw}
	if buf.Envelope != nil {
		msg.Subject = buf.Envelope.Subject
		if len(buf.Envelope.From) > 0 {
			from := buf.Envelope.From[0]
			msg.Sender = mailbox.FormatAddress(from.Name, from.Addr())
		}
	}
	if msg.Subject == "" && msg.Sender == "" {
		msg.Subject, msg.Sender = mailbox.ParseHeaders(raw)
	}

	return msg, nil
}

// SetSeen adds the \Seen flag to a message.
func (s *Session) SetSeen(ctx context.Context, id string) error {
	uid, err := parseUID(id)
	if err != nil {
		return err
	}

	return wait(ctx, s.client, func() error {
		return s.client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  []imap.Flag{imap.FlagSeen},
		}, nil).Close()
	})
}

// CopyToLabel copies a message into another mailbox. On Gmail, IMAP
// folders are labels, so this applies the label.
func (s *Session) CopyToLabel(ctx context.Context, id, label string) error {
	uid, err := parseUID(id)
	if err != nil {
		return &mailbox.LabelError{ID: id, Label: label, Err: err}
	}

	err = wait(ctx, s.client, func() error {
		_, err := s.client.Copy(imap.UIDSetNum(uid), label).Wait()
		return err
	})
	if err != nil {
		return &mailbox.LabelError{ID: id, Label: label, Err: err}
	}

	return nil
}

// Close logs out and closes the connection.
func (s *Session) Close() error {
	_ = s.client.Logout().Wait()
	return s.client.Close()
}

// wait runs a blocking IMAP command, closing the connection if ctx ends
// first so the command unblocks.
func wait(ctx context.Context, client *imapclient.Client, fn func() error) error {
	if ctx.Done() == nil {
		return fn()
	}

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = client.Close()
		<-done
		return ctx.Err()
	}
}

// parseUID converts a string message ID to an IMAP UID.
func parseUID(id string) (imap.UID, error) {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid IMAP UID %q: %w", id, err)
	}
	return imap.UID(uid), nil
}
