package history

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/RTCFlyer/discord-media-helper/internal/bus"
	"github.com/RTCFlyer/discord-media-helper/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// --- Migrations ---

func TestRunMigrations_FreshDB(t *testing.T) {
	s := testStore(t)
	version, err := GetSchemaVersion(s.db)
	if err != nil {
		t.Fatal(err)
	}
	if version != schemaVersion {
		t.Errorf("expected schema version %d, got %d", schemaVersion, version)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	s := testStore(t)
	if err := RunMigrations(s.db, testLogger()); err != nil {
		t.Fatalf("second run failed: %v", err)
	}
}

func TestRunMigrations_UpgradesV1(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "old.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	saved := migrations
	migrations = saved[:1]
	err = RunMigrations(db, testLogger())
	migrations = saved
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO retrievals (id, url, type) VALUES ('a', 'https://x', 'video')`); err != nil {
		t.Fatal(err)
	}

	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatalf("upgrade failed: %v", err)
	}
	var cached int
	if err := db.QueryRow(`SELECT cached FROM retrievals WHERE id = 'a'`).Scan(&cached); err != nil {
		t.Fatalf("v2 column missing: %v", err)
	}
}

func TestSplitSQL(t *testing.T) {
	got := splitSQL(" CREATE TABLE a (x);\n\n CREATE INDEX b ON a(x); ")
	if len(got) != 2 || got[1] != "CREATE INDEX b ON a(x)" {
		t.Fatalf("unexpected statements %q", got)
	}
}

// --- Store ---

func TestStore_RecordAndRecent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, h := range []string{"ytdlp", "tw", "ytdlp"} {
		err := s.Record(ctx, Entry{
			URL:       "https://example.com/" + h,
			Type:      domain.MediaVideo,
			File:      h + ".mp4",
			Handler:   h,
			Initiator: domain.InitiatorMessage,
			Cached:    i == 2,
			Duration:  1500 * time.Millisecond,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if !got[0].Cached || got[1].Handler != "tw" {
		t.Fatalf("expected newest first, got %+v", got)
	}
	if got[0].ID == "" || got[0].Duration != 1500*time.Millisecond || got[0].Type != domain.MediaVideo {
		t.Fatalf("fields not round-tripped: %+v", got[0])
	}
	if !got[1].CreatedAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("timestamp mismatch: %v", got[1].CreatedAt)
	}

	counts, err := s.CountByHandler(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 2 || counts[0].Count != 1 {
		t.Fatalf("cached entries should not be counted: %+v", counts)
	}
}

func TestStore_SubscribeJournalsSuccesses(t *testing.T) {
	s := testStore(t)
	eb := bus.NewEventBus(testLogger())
	s.Subscribe(eb)

	media := &domain.ProcessedMedia{Original: "https://x.com/a/status/1", Type: domain.MediaVideo, Raw: "https://fxtwitter.com/a/status/1", Handler: "tw"}
	eb.Emit(bus.Event{Type: bus.EventRetrievalSucceeded, Data: bus.Retrieval{
		URL: media.Original, FileBase: "tw-1", Service: "twitter", UserID: "u1", Media: media,
	}})
	eb.Emit(bus.Event{Type: bus.EventRetrievalFailed, Data: bus.Retrieval{
		URL: "https://x.com/a/status/2", Err: errors.New("boom"),
	}})

	got, err := s.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected only the success to be journaled, got %d", len(got))
	}
	if got[0].Raw != media.Raw || got[0].FileBase != "tw-1" || got[0].UserID != "u1" {
		t.Fatalf("unexpected entry %+v", got[0])
	}
}
