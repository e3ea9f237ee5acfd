package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gtm-command-center/internal/config"
	"gtm-command-center/internal/models"
)

type fakeArchiveStore struct {
	archivable []models.Signal
	cutoff     time.Time
	markedIDs  []string
}

func (s *fakeArchiveStore) ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]models.Signal, error) {
	s.cutoff = cutoff
	if len(s.archivable) > limit {
		return s.archivable[:limit], nil
	}
	return s.archivable, nil
}

func (s *fakeArchiveStore) MarkArchived(ctx context.Context, ids []string, at time.Time) error {
	s.markedIDs = append(s.markedIDs, ids...)
	return nil
}

func TestArchiverWritesJSONLBatch(t *testing.T) {
	dir := t.TempDir()
	processed := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	st := &fakeArchiveStore{archivable: []models.Signal{
		{ID: "sig-1", Source: models.SourceForm, EventType: "submitted", ProcessedAt: &processed},
		{ID: "sig-2", Source: models.SourceCRMChange, EventType: "stage_changed", ProcessedAt: &processed},
	}}
	cfg := config.Config{ArchiveAfter: 30 * 24 * time.Hour, ArchiveLocalDir: dir}
	a, err := New(context.Background(), cfg, st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new archiver: %v", err)
	}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return base }

	n, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 2 {
		t.Fatalf("archived %d, want 2", n)
	}
	if want := base.Add(-30 * 24 * time.Hour); !st.cutoff.Equal(want) {
		t.Fatalf("cutoff = %s, want %s", st.cutoff, want)
	}
	if len(st.markedIDs) != 2 {
		t.Fatalf("marked %v", st.markedIDs)
	}

	var files []string
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if len(files) != 1 {
		t.Fatalf("archive files = %v, want one batch", files)
	}

	f, err := os.Open(files[0])
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var sig models.Signal
		if err := json.Unmarshal(scanner.Bytes(), &sig); err != nil {
			t.Fatalf("line %d not valid JSON: %v", lines+1, err)
		}
		lines++
	}
	if lines != 2 {
		t.Fatalf("batch has %d lines, want 2", lines)
	}
}

func TestArchiverNoEligibleSignals(t *testing.T) {
	st := &fakeArchiveStore{}
	cfg := config.Config{ArchiveAfter: time.Hour, ArchiveLocalDir: t.TempDir()}
	a, err := New(context.Background(), cfg, st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}

	n, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 0 || len(st.markedIDs) != 0 {
		t.Fatalf("archived %d, marked %v", n, st.markedIDs)
	}
}
