package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/nhle/bookpipe/internal/mailbox"
	"github.com/nhle/bookpipe/internal/model"
)

const user = "me"

// unreadLabel is the system label Gmail uses for the unseen state.
const unreadLabel = "UNREAD"

// Client connects to a mailbox through the Gmail REST API.
type Client struct {
	credentialsFile string
	tokenFile       string
	query           string
}

// NewClient creates a Gmail client. credentialsFile is the OAuth client
// secret downloaded from Google Cloud; tokenFile holds the user token
// written by Authorize.
func NewClient(credentialsFile, tokenFile, query string) *Client {
	if query == "" {
		query = "is:unread in:inbox"
	}
	return &Client{
		credentialsFile: credentialsFile,
		tokenFile:       tokenFile,
		query:           query,
	}
}

func (c *Client) oauthConfig() (*oauth2.Config, error) {
	b, err := os.ReadFile(c.credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("reading client secret %s: %w", c.credentialsFile, err)
	}
	cfg, err := google.ConfigFromJSON(b, gmailapi.GmailModifyScope)
	if err != nil {
		return nil, fmt.Errorf("parsing client secret %s: %w", c.credentialsFile, err)
	}
	return cfg, nil
}

// Connect loads the stored token, builds the API service and verifies
// access by reading the profile.
func (c *Client) Connect(ctx context.Context) (mailbox.Session, error) {
	cfg, err := c.oauthConfig()
	if err != nil {
		return nil, err
	}

	tok, err := tokenFromFile(c.tokenFile)
	if err != nil {
		return nil, &mailbox.AuthError{
			Kind: model.MailboxGmail,
			Message: fmt.Sprintf(
				"no usable token at %s (run `bookpipe setup`): %v",
				c.tokenFile, err,
			),
		}
	}

	srv, err := gmailapi.NewService(ctx, option.WithHTTPClient(cfg.Client(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("creating Gmail service: %w", err)
	}

	if _, err := srv.Users.GetProfile(user).Context(ctx).Do(); err != nil {
		return nil, &mailbox.AuthError{
			Kind:    model.MailboxGmail,
			Message: fmt.Sprintf("verifying Gmail access: %v", err),
		}
	}

	return &Session{srv: srv, query: c.query}, nil
}

// Authorize runs the OAuth consent flow. prompt receives the consent URL
// and returns the authorization code the user pasted back.
func (c *Client) Authorize(
	ctx context.Context, prompt func(authURL string) (string, error),
) error {
	cfg, err := c.oauthConfig()
	if err != nil {
		return err
	}

	authURL := cfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	code, err := prompt(authURL)
	if err != nil {
		return fmt.Errorf("reading authorization code: %w", err)
	}

	tok, err := cfg.Exchange(ctx, strings.TrimSpace(code))
	if err != nil {
		return fmt.Errorf("exchanging authorization code: %w", err)
	}

	return saveToken(c.tokenFile, tok)
}

// Session is a Gmail API handle scoped to one poll cycle.
type Session struct {
	srv    *gmailapi.Service
	query  string
	labels map[string]string
}

// SearchUnseen lists all messages matching the unread query.
func (s *Session) SearchUnseen(ctx context.Context) ([]string, error) {
	var ids []string

	call := s.srv.Users.Messages.List(user).Q(s.query).Context(ctx)
	err := call.Pages(ctx, func(resp *gmailapi.ListMessagesResponse) error {
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing unread messages: %w", err)
	}

	return ids, nil
}

// Fetch retrieves the raw RFC 5322 message. Reading a message through the
// API does not clear UNREAD.
func (s *Session) Fetch(ctx context.Context, id string) (*model.InboundMessage, error) {
	msg, err := s.srv.Users.Messages.Get(user, id).Format("raw").Context(ctx).Do()
	if err != nil {
		return nil, &mailbox.FetchError{ID: id, Err: err}
	}

	raw, err := decodeRaw(msg.Raw)
	if err != nil {
		return nil, &mailbox.FetchError{ID: id, Err: err}
	}

	subject, sender := mailbox.ParseHeaders(raw)

	return &model.InboundMessage{
		ID:      id,
		Subject: subject,
		Sender:  sender,
		Raw:     raw,
	}, nil
}

// SetSeen removes the UNREAD label.
func (s *Session) SetSeen(ctx context.Context, id string) error {
	_, err := s.srv.Users.Messages.Modify(user, id, &gmailapi.ModifyMessageRequest{
		RemoveLabelIds: []string{unreadLabel},
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("marking message %s read: %w", id, err)
	}
	return nil
}

// CopyToLabel applies a user label by name. The label must already exist.
func (s *Session) CopyToLabel(ctx context.Context, id, label string) error {
	labelID, err := s.labelID(ctx, label)
	if err != nil {
		return &mailbox.LabelError{ID: id, Label: label, Err: err}
	}

	_, err = s.srv.Users.Messages.Modify(user, id, &gmailapi.ModifyMessageRequest{
		AddLabelIds: []string{labelID},
	}).Context(ctx).Do()
	if err != nil {
		return &mailbox.LabelError{ID: id, Label: label, Err: err}
	}

	return nil
}

// Close is a no-op; the API is stateless HTTP.
func (s *Session) Close() error {
	return nil
}

func (s *Session) labelID(ctx context.Context, name string) (string, error) {
	if s.labels == nil {
		resp, err := s.srv.Users.Labels.List(user).Context(ctx).Do()
		if err != nil {
			return "", fmt.Errorf("listing labels: %w", err)
		}
		s.labels = make(map[string]string, len(resp.Labels))
		for _, l := range resp.Labels {
			s.labels[l.Name] = l.Id
		}
	}

	id, ok := s.labels[name]
	if !ok {
		return "", fmt.Errorf("label %q does not exist", name)
	}
	return id, nil
}

// decodeRaw decodes the base64url payload of a raw-format message.
func decodeRaw(s string) ([]byte, error) {
	b, err := base64.URLEncoding.DecodeString(s)
	if err == nil {
		return b, nil
	}
	b, rawErr := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if rawErr != nil {
		return nil, fmt.Errorf("decoding raw message: %w", err)
	}
	return b, nil
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("decoding token: %w", err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, errors.New("token file holds no credentials")
	}
	return tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("saving oauth token: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(tok); err != nil {
		return fmt.Errorf("encoding oauth token: %w", err)
	}
	return nil
}
