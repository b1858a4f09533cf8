package store

import (
	"bufio"
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/tidwall/gjson"
)

// IngestStats summarizes an ingest run.
type IngestStats struct {
	Files   int `json:"files"`
	Events  int `json:"events"`
	Skipped int `json:"skipped"`
}

// Add merges another run's counters into s.
func (s *IngestStats) Add(o IngestStats) {
	s.Files += o.Files
	s.Events += o.Events
	s.Skipped += o.Skipped
}

// IngestFile tails a JSONL access-event log and records its new
// events. Each line carries at least app, group, and at (unix
// millis):
//
//	{"app":"org.cam.shot","app_label":"Shot","system":false,
//	 "group":"camera","group_label":"Camera","sensitive":true,
//	 "at":1712345678901,"count":1}
//
// Ingestion resumes from the last recorded byte offset, so repeated
// runs over a growing file never double-count. Lines that are not
// valid JSON or lack the required fields are skipped, not errors;
// producers append concurrently and partial lines are expected. A
// trailing line without a newline is left for the next run.
func (s *Store) IngestFile(path string) (IngestStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return IngestStats{}, fmt.Errorf("opening event log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return IngestStats{}, fmt.Errorf("statting event log: %w", err)
	}

	stats := IngestStats{Files: 1}
	err = s.Update(func(tx *sql.Tx) error {
		var offset int64
		err := tx.QueryRow(
			"SELECT offset FROM ingest_state WHERE path = ?", path,
		).Scan(&offset)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("reading ingest offset: %w", err)
		}
		// A shrunk file was truncated or rotated; start over.
		if offset > info.Size() {
			offset = 0
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return fmt.Errorf("seeking event log: %w", err)
		}

		r := bufio.NewReader(f)
		for {
			line, err := r.ReadString('\n')
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("reading event log: %w", err)
			}
			offset += int64(len(line))
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if !gjson.Valid(line) {
				stats.Skipped++
				continue
			}
			if err := ingestLine(tx, line); err != nil {
				stats.Skipped++
				continue
			}
			stats.Events++
		}

		_, err = tx.Exec(`
			INSERT INTO ingest_state (path, offset) VALUES (?, ?)
			ON CONFLICT(path) DO UPDATE SET offset = excluded.offset`,
			path, offset)
		return err
	})
	if err != nil {
		return stats, fmt.Errorf("ingesting %s: %w", path, err)
	}
	return stats, nil
}

// IngestPaths ingests several event logs, logging and skipping
// files that fail.
func (s *Store) IngestPaths(paths []string) IngestStats {
	var stats IngestStats
	for _, p := range paths {
		st, err := s.IngestFile(p)
		if err != nil {
			log.Printf("store: %v", err)
			continue
		}
		stats.Add(st)
	}
	return stats
}

func ingestLine(tx *sql.Tx, line string) error {
	app := gjson.Get(line, "app").Str
	group := gjson.Get(line, "group").Str
	at := gjson.Get(line, "at")
	if app == "" || group == "" || !at.Exists() {
		return fmt.Errorf("missing app, group, or at")
	}

	count := int64(1)
	if c := gjson.Get(line, "count"); c.Exists() {
		count = c.Int()
	}

	if _, err := tx.Exec(`
		INSERT INTO apps (key, label, system) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			label = CASE WHEN excluded.label != ''
				THEN excluded.label ELSE label END,
			system = excluded.system`,
		app,
		gjson.Get(line, "app_label").Str,
		gjson.Get(line, "system").Bool(),
	); err != nil {
		return err
	}

	sensitive := true
	if v := gjson.Get(line, "sensitive"); v.Exists() {
		sensitive = v.Bool()
	}
	if _, err := tx.Exec(`
		INSERT INTO perm_groups (id, label, user_sensitive)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			label = CASE WHEN excluded.label != ''
				THEN excluded.label ELSE label END,
			user_sensitive = excluded.user_sensitive`,
		group,
		gjson.Get(line, "group_label").Str,
		sensitive,
	); err != nil {
		return err
	}

	_, err := tx.Exec(
		"INSERT INTO accesses (app_key, group_id, at, count) VALUES (?, ?, ?, ?)",
		app, group, at.Int(), count,
	)
	return err
}
