package pai

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ColdArchive is the tier-2 cold store: an append-only, phase-partitioned
// file archive under <root>/Learning/<PHASE>/. Writes are immutable —
// nothing in this package overwrites an already-archived file.
type ColdArchive struct {
	root string
}

// NewColdArchive ensures every phase subdirectory exists under root and
// returns a ready archive.
func NewColdArchive(root string) (*ColdArchive, error) {
	a := &ColdArchive{root: root}
	for _, phase := range Phases {
		if err := os.MkdirAll(a.phaseDir(phase), 0o755); err != nil {
			return nil, fmt.Errorf("pai: create cold archive dir for %s: %w", phase, err)
		}
	}
	return a, nil
}

func (a *ColdArchive) phaseDir(phase Phase) string {
	return filepath.Join(a.root, "Learning", strings.ToUpper(string(phase)))
}

// archiveRecord is the on-disk shape of an archived learning.
type archiveRecord struct {
	*Learning
	Summary    string    `json:"summary,omitempty"`
	ArchivedAt time.Time `json:"archived_at"`
}

// ArchiveToCold writes a learning's full record plus an optional summary
// to <root>/Learning/<PHASE>/<timestamp>_<category>.json.
func (a *ColdArchive) ArchiveToCold(l *Learning, summary string) (string, error) {
	dir := a.phaseDir(l.Phase)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("pai: ensure cold archive dir: %w", err)
	}

	ts := l.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	filename := fmt.Sprintf("%s_%s.json", ts.Format("20060102_150405"), sanitizeFilenamePart(l.Category))
	path := filepath.Join(dir, filename)

	record := archiveRecord{Learning: l, Summary: summary, ArchivedAt: time.Now()}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", fmt.Errorf("pai: encode archive record: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("pai: write archive file %s: %w", path, err)
	}
	return path, nil
}

func sanitizeFilenamePart(s string) string {
	if s == "" {
		return "general"
	}
	replacer := strings.NewReplacer("/", "_", "\\", "_", " ", "_")
	return replacer.Replace(s)
}

// ReadCold reads an archived record back from disk.
func (a *ColdArchive) ReadCold(path string) (*Learning, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("pai: read archive file %s: %w", path, err)
	}
	var record archiveRecord
	record.Learning = &Learning{}
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, "", fmt.Errorf("pai: decode archive file %s: %w", path, err)
	}
	return record.Learning, record.Summary, nil
}

// ListColdLearnings lists archived learning file paths, optionally
// restricted to one phase and to files created at or after since, most
// recent first.
func (a *ColdArchive) ListColdLearnings(phase *Phase, since *time.Time) ([]string, error) {
	var dirs []string
	if phase != nil {
		dirs = []string{a.phaseDir(*phase)}
	} else {
		for _, p := range Phases {
			dirs = append(dirs, a.phaseDir(p))
		}
	}

	var files []string
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("pai: list cold archive dir %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			if since != nil {
				ts, ok := parseArchiveTimestamp(e.Name())
				if ok && ts.Before(*since) {
					continue
				}
			}
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}

	sort.Sort(sort.Reverse(sort.StringSlice(files)))
	return files, nil
}

// CleanupColdStorage permanently deletes archive files older than
// olderThanDays, inferred from the filename timestamp.
func (a *ColdArchive) CleanupColdStorage(olderThanDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	deleted := 0

	for _, phase := range Phases {
		dir := a.phaseDir(phase)
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return deleted, fmt.Errorf("pai: list cold archive dir %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			ts, ok := parseArchiveTimestamp(e.Name())
			if !ok || !ts.Before(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
				deleted++
			}
		}
	}
	return deleted, nil
}

// parseArchiveTimestamp extracts the YYYYMMDD_HHMMSS prefix from an
// archive filename.
func parseArchiveTimestamp(name string) (time.Time, bool) {
	parts := strings.SplitN(strings.TrimSuffix(name, ".json"), "_", 3)
	if len(parts) < 2 {
		return time.Time{}, false
	}
	if _, err := strconv.Atoi(parts[0]); err != nil {
		return time.Time{}, false
	}
	ts, err := time.Parse("20060102_150405", parts[0]+"_"+parts[1])
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
