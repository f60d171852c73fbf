package pai

import (
	"testing"
	"time"
)

func TestColdArchive_ArchiveAndReadBack(t *testing.T) {
	archive, err := NewColdArchive(t.TempDir())
	if err != nil {
		t.Fatalf("NewColdArchive: %v", err)
	}

	l := NewLearning("use the -y flag for noninteractive apt installs", PhaseExecute, "cli")
	l.CreatedAt = time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)

	path, err := archive.ArchiveToCold(l, "summary text")
	if err != nil {
		t.Fatalf("ArchiveToCold: %v", err)
	}

	got, summary, err := archive.ReadCold(path)
	if err != nil {
		t.Fatalf("ReadCold: %v", err)
	}
	if got.Content != l.Content {
		t.Errorf("content = %q, want %q", got.Content, l.Content)
	}
	if summary != "summary text" {
		t.Errorf("summary = %q, want %q", summary, "summary text")
	}
}

func TestColdArchive_ListColdLearnings(t *testing.T) {
	archive, err := NewColdArchive(t.TempDir())
	if err != nil {
		t.Fatalf("NewColdArchive: %v", err)
	}

	l1 := NewLearning("first archived learning with enough text", PhaseExecute, "cli")
	l1.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l2 := NewLearning("second archived learning with enough text", PhaseExecute, "cli")
	l2.CreatedAt = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	if _, err := archive.ArchiveToCold(l1, ""); err != nil {
		t.Fatalf("ArchiveToCold l1: %v", err)
	}
	if _, err := archive.ArchiveToCold(l2, ""); err != nil {
		t.Fatalf("ArchiveToCold l2: %v", err)
	}

	files, err := archive.ListColdLearnings(nil, nil)
	if err != nil {
		t.Fatalf("ListColdLearnings: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d: %v", len(files), files)
	}

	since := time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)
	filtered, err := archive.ListColdLearnings(nil, &since)
	if err != nil {
		t.Fatalf("ListColdLearnings with since: %v", err)
	}
	if len(filtered) != 1 {
		t.Fatalf("expected 1 file after since-filter, got %d: %v", len(filtered), filtered)
	}
}

func TestColdArchive_CleanupColdStorage(t *testing.T) {
	archive, err := NewColdArchive(t.TempDir())
	if err != nil {
		t.Fatalf("NewColdArchive: %v", err)
	}

	old := NewLearning("an old learning that should be cleaned up eventually", PhaseLearn, "general")
	old.CreatedAt = time.Now().AddDate(-2, 0, 0)
	if _, err := archive.ArchiveToCold(old, ""); err != nil {
		t.Fatalf("ArchiveToCold: %v", err)
	}

	recent := NewLearning("a recent learning that should be kept around", PhaseLearn, "general")
	recent.CreatedAt = time.Now()
	if _, err := archive.ArchiveToCold(recent, ""); err != nil {
		t.Fatalf("ArchiveToCold: %v", err)
	}

	deleted, err := archive.CleanupColdStorage(365)
	if err != nil {
		t.Fatalf("CleanupColdStorage: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
}
