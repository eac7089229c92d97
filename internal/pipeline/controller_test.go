package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
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
	"github.com/nhle/bookpipe/tests/testutil"
)

const archiveLabel = "BookProcessed"

// artifactRunner writes a small artifact for every invocation and counts
// calls.
type artifactRunner struct {
	calls atomic.Int32

	// block makes invocations whose output ends in this suffix wait for ctx.
	block string
}

func (r *artifactRunner) Run(ctx context.Context, inv dispatch.Invocation) dispatch.Result {
	r.calls.Add(1)

	if r.block != "" && strings.HasSuffix(inv.OutputPath, r.block) {
		<-ctx.Done()
		return dispatch.Result{ExitCode: -1}
	}

	path := inv.OutputPath
	if inv.OutputIsDir {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return dispatch.Result{Err: err}
		}
		path = filepath.Join(path, "SKILL.md")
	}
	if err := os.WriteFile(path, []byte("generated"), 0o644); err != nil {
		return dispatch.Result{Err: err}
	}
	return dispatch.Result{}
}

type harness struct {
	box    *testutil.FakeMailbox
	root   string
	runner *artifactRunner
	ledger *store.SQLiteStore
	deps   Deps
}

func newHarness(t *testing.T, box *testutil.FakeMailbox, opts ...dispatch.Option) *harness {
	t.Helper()

	log := logging.Nop()
	h := &harness{
		box:    box,
		root:   filepath.Join(t.TempDir(), "books"),
		runner: &artifactRunner{},
		ledger: testutil.NewTestStore(t),
	}

	h.deps = Deps{
		Mailbox:    box,
		Classifier: classify.New(model.DefaultKeywords),
		Extractor:  extract.New(model.DefaultExtensions, log),
		Workspace:  workspace.New(h.root, nil),
		Dispatcher: dispatch.New(h.runner, dispatch.DefaultTasks(), opts...),
		Records:    record.NewWriter(),
		Marker:     NewMarker(archiveLabel, log),
		Store:      h.ledger,
		Log:        log,
	}
	return h
}

func (h *harness) controller() *Controller {
	return New(h.deps)
}

func (h *harness) unitDirs(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		t.Fatalf("reading output root: %v", err)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(h.root, e.Name()))
		}
	}
	return dirs
}

func addBook(t *testing.T, box *testutil.FakeMailbox, id string) {
	t.Helper()
	subject := "VFlatScan: My Book"
	sender := "VFlat <noreply@vflat.com>"
	box.Add(id, subject, sender, testutil.BuildMessage(t, subject, "noreply@vflat.com",
		testutil.TextPart("chapter1.txt", "第一章 本文"),
	))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return string(data)
}

func TestRunOnceProcessesBookSubmission(t *testing.T) {
	box := testutil.NewFakeMailbox(archiveLabel)
	addBook(t, box, "1")
	h := newHarness(t, box)

	sum, err := h.controller().RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	want := CycleSummary{Found: 1, Candidates: 1, Processed: 1, Units: 1}
	if sum != want {
		t.Errorf("summary = %+v, want %+v", sum, want)
	}

	dirs := h.unitDirs(t)
	if len(dirs) != 1 {
		t.Fatalf("got %d unit directories, want 1", len(dirs))
	}
	dir := dirs[0]
	if !strings.HasSuffix(dir, "_chapter1") {
		t.Errorf("unit directory = %s", dir)
	}

	if got := readFile(t, filepath.Join(dir, workspace.SourceFile)); got != "第一章 本文" {
		t.Errorf("source.txt = %q", got)
	}
	log := readFile(t, filepath.Join(dir, record.MarkdownFile))
	for _, row := range []string{"| article | success |", "| summary | success |", "| skill | success |"} {
		if !strings.Contains(log, row) {
			t.Errorf("record missing %q:\n%s", row, log)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "skill", "SKILL.md")); err != nil {
		t.Errorf("skill artifact missing: %v", err)
	}

	if !box.Seen("1") {
		t.Error("message not marked seen")
	}
	if labels := box.Labels("1"); len(labels) != 1 || labels[0] != archiveLabel {
		t.Errorf("labels = %v, want [%s]", labels, archiveLabel)
	}
	if box.Closes != 1 {
		t.Errorf("session closed %d times, want 1", box.Closes)
	}

	ctx := context.Background()
	row, err := h.ledger.GetMessage(ctx, "1")
	if err != nil || row == nil || row.Status != model.MessageProcessed {
		t.Errorf("ledger message = %+v, %v", row, err)
	}
	units, err := h.ledger.RecentUnits(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 1 || len(units[0].Outcomes) != 3 {
		t.Errorf("ledger units = %+v", units)
	}
}

func TestRunOnceLeavesNonCandidateUnseen(t *testing.T) {
	box := testutil.NewFakeMailbox(archiveLabel)
	box.Add("2", "Meeting notes", "alice@corp.example", testutil.BuildMessage(t,
		"Meeting notes", "alice@corp.example",
		testutil.BinaryPart("notes.pdf", []byte("%PDF-1.4")),
	))
	h := newHarness(t, box)
	ctrl := h.controller()

	for cycle := 1; cycle <= 2; cycle++ {
		sum, err := ctrl.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("cycle %d: %v", cycle, err)
		}
		if sum.Found != 1 || sum.Skipped != 1 || sum.Candidates != 0 || sum.Units != 0 {
			t.Errorf("cycle %d summary = %+v", cycle, sum)
		}
	}

	if box.Seen("2") {
		t.Error("non-candidate was marked seen")
	}
	if len(h.unitDirs(t)) != 0 {
		t.Error("units created for non-candidate")
	}
	if h.runner.calls.Load() != 0 {
		t.Errorf("runner called %d times", h.runner.calls.Load())
	}
}

func TestRunOnceTaskTimeoutStillMarks(t *testing.T) {
	box := testutil.NewFakeMailbox(archiveLabel)
	addBook(t, box, "3")
	h := newHarness(t, box, dispatch.WithTimeout(50*time.Millisecond))
	h.runner.block = "summary.md"

	sum, err := h.controller().RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if sum.Processed != 1 {
		t.Errorf("summary = %+v", sum)
	}

	dirs := h.unitDirs(t)
	if len(dirs) != 1 {
		t.Fatalf("got %d unit directories", len(dirs))
	}
	log := readFile(t, filepath.Join(dirs[0], record.MarkdownFile))
	for _, row := range []string{"| article | success |", "| summary | timeout |", "| skill | success |"} {
		if !strings.Contains(log, row) {
			t.Errorf("record missing %q:\n%s", row, log)
		}
	}

	if !box.Seen("3") {
		t.Error("message not marked after a task timeout")
	}
}

func TestSecondCycleProcessesNothing(t *testing.T) {
	box := testutil.NewFakeMailbox(archiveLabel)
	addBook(t, box, "4")
	h := newHarness(t, box)
	ctrl := h.controller()

	if _, err := ctrl.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	calls := h.runner.calls.Load()

	sum, err := ctrl.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if sum != (CycleSummary{}) {
		t.Errorf("second cycle summary = %+v, want zero", sum)
	}
	if h.runner.calls.Load() != calls {
		t.Error("second cycle dispatched tasks")
	}
	if len(h.unitDirs(t)) != 1 {
		t.Error("second cycle created units")
	}
}

func TestMissingLabelStillMarksSeen(t *testing.T) {
	box := testutil.NewFakeMailbox()
	addBook(t, box, "5")
	h := newHarness(t, box)

	sum, err := h.controller().RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if sum.Processed != 1 || sum.Failed != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if !box.Seen("5") {
		t.Error("message not seen when archive label is missing")
	}
	if len(box.Labels("5")) != 0 {
		t.Errorf("labels = %v", box.Labels("5"))
	}
}

func TestCandidateWithoutTextAttachmentsIsMarked(t *testing.T) {
	box := testutil.NewFakeMailbox(archiveLabel)
	box.Add("6", "book scan", "me@example.com", testutil.BuildMessage(t,
		"book scan", "me@example.com",
		testutil.BinaryPart("pages.pdf", []byte("%PDF")),
	))
	h := newHarness(t, box)

	sum, err := h.controller().RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if sum.Candidates != 1 || sum.Processed != 1 || sum.Units != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if !box.Seen("6") {
		t.Error("candidate without attachments not marked")
	}

	row, _ := h.ledger.GetMessage(context.Background(), "6")
	if row == nil || row.Status != model.MessageNoAttachments {
		t.Errorf("ledger = %+v", row)
	}
}

func TestAuthFailureEndsCycle(t *testing.T) {
	box := testutil.NewFakeMailbox()
	box.ConnectErr = &mailbox.AuthError{Kind: model.MailboxIMAP, Message: "bad password"}
	h := newHarness(t, box)

	_, err := h.controller().RunOnce(context.Background())
	if !mailbox.IsAuthError(err) {
		t.Fatalf("err = %v, want AuthError", err)
	}
	if box.Closes != 0 {
		t.Errorf("closed %d sessions that never opened", box.Closes)
	}
}

func TestSearchFailureClosesSession(t *testing.T) {
	box := testutil.NewFakeMailbox()
	box.SearchErr = errors.New("connection reset")
	h := newHarness(t, box)

	if _, err := h.controller().RunOnce(context.Background()); err == nil {
		t.Fatal("expected search error")
	}
	if box.Closes != 1 {
		t.Errorf("session closed %d times, want 1", box.Closes)
	}
}

func TestFetchErrorSkipsOnlyThatMessage(t *testing.T) {
	box := testutil.NewFakeMailbox(archiveLabel)
	addBook(t, box, "7")
	addBook(t, box, "8")
	box.FetchErr["7"] = errors.New("timeout")
	h := newHarness(t, box)

	sum, err := h.controller().RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if sum.Failed != 1 || sum.Processed != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if box.Seen("7") || !box.Seen("8") {
		t.Errorf("seen: 7=%v 8=%v", box.Seen("7"), box.Seen("8"))
	}
}

func TestMaxMissesRetiresNonCandidate(t *testing.T) {
	box := testutil.NewFakeMailbox(archiveLabel)
	box.Add("9", "lunch?", "bob@example.com", testutil.BuildMessage(t, "lunch?", "bob@example.com"))
	h := newHarness(t, box)
	h.deps.MaxMisses = 2
	ctrl := h.controller()

	sum, err := ctrl.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Skipped != 1 || box.Seen("9") {
		t.Fatalf("first cycle: summary %+v, seen %v", sum, box.Seen("9"))
	}

	sum, err = ctrl.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Ignored != 1 || sum.Skipped != 0 {
		t.Errorf("second cycle summary = %+v", sum)
	}
	if !box.Seen("9") {
		t.Error("non-candidate not retired after max misses")
	}
	if len(box.Labels("9")) != 0 {
		t.Error("retired non-candidate was archived")
	}

	row, _ := h.ledger.GetMessage(context.Background(), "9")
	if row == nil || row.Status != model.MessageIgnored || row.Misses != 2 {
		t.Errorf("ledger = %+v", row)
	}
}

func TestMarkFailureLeavesMessageForRetry(t *testing.T) {
	box := testutil.NewFakeMailbox(archiveLabel)
	addBook(t, box, "10")
	box.SeenErr["10"] = errors.New("store rejected")
	h := newHarness(t, box)

	sum, err := h.controller().RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if sum.Failed != 1 || sum.Processed != 0 || sum.Units != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if len(box.Labels("10")) != 0 {
		t.Error("archive attempted after seen flag failed")
	}

	row, _ := h.ledger.GetMessage(context.Background(), "10")
	if row == nil || row.Status != model.MessageMarkFailed {
		t.Errorf("ledger = %+v", row)
	}
}

func TestInterruptLeavesMessageUnseen(t *testing.T) {
	box := testutil.NewFakeMailbox(archiveLabel)
	addBook(t, box, "11")
	h := newHarness(t, box)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.deps.Dispatcher = dispatch.New(dispatch.RunnerFunc(
		func(context.Context, dispatch.Invocation) dispatch.Result {
			cancel()
			return dispatch.Result{}
		}), dispatch.DefaultTasks())

	_, err := h.controller().RunOnce(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if box.Seen("11") {
		t.Error("interrupted message was marked")
	}
	if box.Closes != 1 {
		t.Errorf("session closed %d times, want 1", box.Closes)
	}

	dirs := h.unitDirs(t)
	if len(dirs) != 1 {
		t.Fatalf("got %d unit directories", len(dirs))
	}
	log := readFile(t, filepath.Join(dirs[0], record.MarkdownFile))
	if !strings.Contains(log, "| summary | error: cancelled |") {
		t.Errorf("record does not show cancelled tasks:\n%s", log)
	}
}

func TestUnitCreationFailureLeavesMessageUnseen(t *testing.T) {
	box := testutil.NewFakeMailbox(archiveLabel)
	addBook(t, box, "12")
	h := newHarness(t, box)

	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	h.deps.Workspace = workspace.New(blocker, nil)

	sum, err := h.controller().RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if sum.Failed != 1 || sum.Units != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if box.Seen("12") {
		t.Error("message marked although no unit was created")
	}
	if h.runner.calls.Load() != 0 {
		t.Error("tasks dispatched without a unit")
	}
}

func TestRecordWriteFailureLeavesMessageUnseen(t *testing.T) {
	box := testutil.NewFakeMailbox(archiveLabel)
	addBook(t, box, "13")
	h := newHarness(t, box)

	// A directory where the record should go makes the write fail.
	h.deps.Dispatcher = dispatch.New(dispatch.RunnerFunc(
		func(_ context.Context, inv dispatch.Invocation) dispatch.Result {
			if err := os.MkdirAll(filepath.Join(inv.Dir, record.MarkdownFile), 0o755); err != nil {
				return dispatch.Result{Err: err}
			}
			return dispatch.Result{}
		}), dispatch.DefaultTasks())

	sum, err := h.controller().RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if sum.Failed != 1 || sum.Processed != 0 || sum.Units != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if box.Seen("13") {
		t.Error("message marked although its unit has no record")
	}
	if len(box.Labels("13")) != 0 {
		t.Error("message archived although its unit has no record")
	}

	row, _ := h.ledger.GetMessage(context.Background(), "13")
	if row == nil || row.Status != model.MessageRecordFailed {
		t.Errorf("ledger = %+v", row)
	}
}
