package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nhle/bookpipe/internal/mailbox"
	"github.com/nhle/bookpipe/internal/model"
)

// FakeMailbox is an in-memory mailbox.Mailbox. Messages are unseen until
// SetSeen is called on them.
type FakeMailbox struct {
	mu       sync.Mutex
	messages map[string]*fakeMessage
	labels   map[string]bool

	// ConnectErr, SearchErr, FetchErr and SeenErr inject failures.
	ConnectErr error
	SearchErr  error
	FetchErr   map[string]error
	SeenErr    map[string]error

	// Connects counts Connect calls; Closes counts Session.Close calls.
	Connects int
	Closes   int
}

type fakeMessage struct {
	msg    model.InboundMessage
	seen   bool
	labels []string
}

// NewFakeMailbox returns an empty mailbox whose only existing labels are
// the given ones.
func NewFakeMailbox(labels ...string) *FakeMailbox {
	m := &FakeMailbox{
		messages: make(map[string]*fakeMessage),
		labels:   make(map[string]bool),
		FetchErr: make(map[string]error),
		SeenErr:  make(map[string]error),
	}
	for _, l := range labels {
		m.labels[l] = true
	}
	return m
}

// Add stores an unseen message.
func (m *FakeMailbox) Add(id, subject, sender string, raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages[id] = &fakeMessage{msg: model.InboundMessage{
		ID:      id,
		Subject: subject,
		Sender:  sender,
		Raw:     raw,
	}}
}

// Seen reports whether the message has been flagged as seen.
func (m *FakeMailbox) Seen(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	return ok && msg.seen
}

// Labels returns the labels the message was copied to.
func (m *FakeMailbox) Labels(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg, ok := m.messages[id]; ok {
		return append([]string(nil), msg.labels...)
	}
	return nil
}

// Connect implements mailbox.Mailbox.
func (m *FakeMailbox) Connect(_ context.Context) (mailbox.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Connects++
	if m.ConnectErr != nil {
		return nil, m.ConnectErr
	}
	return &fakeSession{box: m}, nil
}

type fakeSession struct {
	box    *FakeMailbox
	closed bool
}

func (s *fakeSession) SearchUnseen(_ context.Context) ([]string, error) {
	m := s.box
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SearchErr != nil {
		return nil, m.SearchErr
	}

	var ids []string
	for id, msg := range m.messages {
		if !msg.seen {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *fakeSession) Fetch(_ context.Context, id string) (*model.InboundMessage, error) {
	m := s.box
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.FetchErr[id]; err != nil {
		return nil, &mailbox.FetchError{ID: id, Err: err}
	}
	msg, ok := m.messages[id]
	if !ok {
		return nil, &mailbox.FetchError{ID: id, Err: errors.New("not found")}
	}
	out := msg.msg
	return &out, nil
}

func (s *fakeSession) SetSeen(_ context.Context, id string) error {
	m := s.box
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.SeenErr[id]; err != nil {
		return err
	}
	msg, ok := m.messages[id]
	if !ok {
		return fmt.Errorf("message %s not found", id)
	}
	msg.seen = true
	return nil
}

func (s *fakeSession) CopyToLabel(_ context.Context, id, label string) error {
	m := s.box
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.labels[label] {
		return &mailbox.LabelError{ID: id, Label: label, Err: errors.New("no such label")}
	}
	msg, ok := m.messages[id]
	if !ok {
		return &mailbox.LabelError{ID: id, Label: label, Err: errors.New("not found")}
	}
	msg.labels = append(msg.labels, label)
	return nil
}

func (s *fakeSession) Close() error {
	m := s.box
	m.mu.Lock()
	defer m.mu.Unlock()

	if !s.closed {
		s.closed = true
		m.Closes++
	}
	return nil
}
