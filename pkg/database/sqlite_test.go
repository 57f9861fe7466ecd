package database

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func TestSQLiteLogRecordAndRecent(t *testing.T) {
	store, err := NewSQLiteLog(filepath.Join(t.TempDir(), "history.db"), log.New(io.Discard))
	if err != nil {
		t.Fatalf("NewSQLiteLog() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	entries := []Entry{
		{Query: "lac troi", TrackID: "ZWZB969E", Title: "Lạc Trôi", Artist: "Sơn Tùng M-TP", SearchAt: base},
		{Query: "zing mp3", TrackID: "zing_mp3", Title: "Zing radio", Live: true, SearchAt: base.Add(time.Minute)},
		{Query: "hay trao cho anh", TrackID: "ZWAEIUUB", SearchAt: base.Add(2 * time.Minute)},
	}
	for _, e := range entries {
		if err := store.Record(ctx, e); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	got, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent() len = %d, want 2", len(got))
	}
	if got[0].TrackID != "ZWAEIUUB" || got[1].TrackID != "zing_mp3" {
		t.Errorf("Recent() order = %s, %s", got[0].TrackID, got[1].TrackID)
	}
	if !got[1].Live {
		t.Error("live flag lost")
	}
	if !got[1].SearchAt.Equal(base.Add(time.Minute)) {
		t.Errorf("SearchAt = %v", got[1].SearchAt)
	}
}

func TestNopLog(t *testing.T) {
	l := NewNop()
	if err := l.Record(context.Background(), Entry{Query: "x"}); err != nil {
		t.Errorf("Record() error = %v", err)
	}
	got, err := l.Recent(context.Background(), 10)
	if err != nil || len(got) != 0 {
		t.Errorf("Recent() = %v, %v", got, err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
