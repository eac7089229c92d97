package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nhle/bookpipe/internal/model"
	"github.com/nhle/bookpipe/internal/store"
	"github.com/nhle/bookpipe/tests/testutil"
)

func TestRecordMissCounts(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	msg := model.InboundMessage{ID: "10", Subject: "Meeting notes", Sender: "boss@example.com"}

	for want := 1; want <= 3; want++ {
		got, err := s.RecordMiss(ctx, msg)
		if err != nil {
			t.Fatalf("RecordMiss: %v", err)
		}
		if got != want {
			t.Errorf("misses = %d, want %d", got, want)
		}
	}

	row, err := s.GetMessage(ctx, "10")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if row == nil || row.Status != model.MessageSkipped || row.Subject != "Meeting notes" {
		t.Errorf("unexpected row: %+v", row)
	}
}

func TestSetMessageStatusKeepsMisses(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	msg := model.InboundMessage{ID: "11", Subject: "hello"}

	if _, err := s.RecordMiss(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if err := s.SetMessageStatus(ctx, msg, model.MessageIgnored); err != nil {
		t.Fatalf("SetMessageStatus: %v", err)
	}

	row, err := s.GetMessage(ctx, "11")
	if err != nil {
		t.Fatal(err)
	}
	if row.Status != model.MessageIgnored || row.Misses != 1 {
		t.Errorf("row = %+v", row)
	}
}

func TestGetMessageMissing(t *testing.T) {
	s := testutil.NewTestStore(t)

	row, err := s.GetMessage(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if row != nil {
		t.Errorf("row = %+v, want nil", row)
	}
}

func TestSaveUnitAndRecentUnits(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	outcomes := []model.TaskOutcome{
		{Task: "article", Status: model.StatusSuccess, Duration: 1500 * time.Millisecond},
		{Task: "summary", Status: model.StatusTimeout, ExitCode: -1},
		{Task: "skill", Status: model.StatusFailed, ExitCode: 2, Detail: "boom"},
	}

	for i, name := range []string{"old", "new"} {
		unit := &model.ProcessingUnit{
			ID:             name + "-id",
			Name:           name,
			SourceFilename: name + ".txt",
			MessageID:      "7",
			CreatedAt:      base.Add(time.Duration(i) * time.Hour),
			Dir:            "/books/" + name,
		}
		if err := s.SaveUnit(ctx, unit, outcomes); err != nil {
			t.Fatalf("SaveUnit %s: %v", name, err)
		}
	}

	units, err := s.RecentUnits(ctx, 10)
	if err != nil {
		t.Fatalf("RecentUnits: %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("got %d units, want 2", len(units))
	}
	if units[0].Name != "new" || units[1].Name != "old" {
		t.Errorf("order = %s, %s; want new, old", units[0].Name, units[1].Name)
	}

	got := units[0].Outcomes
	if len(got) != 3 {
		t.Fatalf("got %d outcomes, want 3", len(got))
	}
	if got[0].Task != "article" || got[0].Duration != 1500*time.Millisecond {
		t.Errorf("first outcome = %+v", got[0])
	}
	if got[2].Status != model.StatusFailed || got[2].Detail != "boom" || got[2].ExitCode != 2 {
		t.Errorf("last outcome = %+v", got[2])
	}

	limited, err := s.RecentUnits(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("limit ignored: got %d units", len(limited))
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	s, err := store.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := s.SetMessageStatus(ctx, model.InboundMessage{ID: "1"}, model.MessageProcessed); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = store.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	defer s.Close()

	row, err := s.GetMessage(ctx, "1")
	if err != nil {
		t.Fatal(err)
	}
	if row == nil || row.Status != model.MessageProcessed {
		t.Errorf("row after reopen = %+v", row)
	}
}

func TestOpenEmptyPathIsNop(t *testing.T) {
	s, err := store.Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := s.(store.NopStore); !ok {
		t.Fatalf("Open(\"\") = %T, want NopStore", s)
	}

	n, err := s.RecordMiss(context.Background(), model.InboundMessage{ID: "1"})
	if err != nil || n != 0 {
		t.Errorf("RecordMiss = %d, %v", n, err)
	}
}

func TestNewSQLiteStoreCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "bookpipe", "ledger.db")

	s, err := store.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()

	v, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 1 {
		t.Errorf("schema version = %d, want 1", v)
	}
}
