package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nhle/bookpipe/internal/mailbox"
	"github.com/nhle/bookpipe/tests/testutil"
)

// flakyMailbox fails its first connect, panics on the second and cancels
// the daemon on the third.
type flakyMailbox struct {
	inner  *testutil.FakeMailbox
	calls  atomic.Int32
	cancel context.CancelFunc
}

func (m *flakyMailbox) Connect(ctx context.Context) (mailbox.Session, error) {
	switch m.calls.Add(1) {
	case 1:
		return nil, errors.New("network unreachable")
	case 2:
		panic("malformed server greeting")
	case 3:
		m.cancel()
	}
	return m.inner.Connect(ctx)
}

func TestRunDaemonSurvivesFailedCycles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	box := &flakyMailbox{inner: testutil.NewFakeMailbox(), cancel: cancel}
	h := newHarness(t, testutil.NewFakeMailbox())
	h.deps.Mailbox = box
	ctrl := h.controller()

	done := make(chan error, 1)
	go func() { done <- ctrl.RunDaemon(ctx, time.Millisecond) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunDaemon = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop after cancel")
	}

	if got := box.calls.Load(); got != 3 {
		t.Errorf("cycles = %d, want 3", got)
	}
	if box.inner.Closes != 1 {
		t.Errorf("session closed %d times, want 1", box.inner.Closes)
	}
}

func TestRunDaemonProcessesOnFirstTick(t *testing.T) {
	inner := testutil.NewFakeMailbox(archiveLabel)
	addBook(t, inner, "1")
	h := newHarness(t, inner)
	ctrl := h.controller()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- ctrl.RunDaemon(ctx, time.Hour) }()

	deadline := time.After(5 * time.Second)
	for !inner.Seen("1") {
		select {
		case <-deadline:
			t.Fatal("first cycle did not run")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("RunDaemon = %v", err)
	}
}

func TestSafeCycleRecoversPanic(t *testing.T) {
	h := newHarness(t, testutil.NewFakeMailbox())
	h.deps.Mailbox = &flakyMailbox{inner: testutil.NewFakeMailbox(), cancel: func() {}}
	ctrl := h.controller()

	if _, err := ctrl.safeCycle(context.Background()); err == nil {
		t.Fatal("first cycle should fail")
	}
	_, err := ctrl.safeCycle(context.Background())
	if !errors.Is(err, errCyclePanic) {
		t.Errorf("err = %v, want panic error", err)
	}
}
