// Package applog provides a per-BR event log: one append-only file per
// border router, a "current.log" symlink pointing at the active file, and
// age-based retention cleanup. Every write here is a structured JSON
// line, not a raw byte stream: lazily opened per-name files behind a
// mutex, a current-log symlink, and a Cleanup sweep. Files are not
// rotated: a BR's events keep going to the file "current.log" points at
// (reopened across restarts), and a new timestamped file is started only
// when that link is missing or its target cannot be opened.
package applog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type Writer struct {
	basePath      string
	retentionDays int

	mu    sync.Mutex
	files map[string]*os.File
}

func NewWriter(basePath string, retentionDays int) *Writer {
	return &Writer{
		basePath:      basePath,
		retentionDays: retentionDays,
		files:         make(map[string]*os.File),
	}
}

// WriteEvent appends one JSON-encoded line to brID's current log file.
func (w *Writer) WriteEvent(brID string, line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := w.getOrCreateFile(brID)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		return err
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		if _, err := f.Write([]byte("\n")); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) getOrCreateFile(brID string) (*os.File, error) {
	if f, exists := w.files[brID]; exists {
		return f, nil
	}

	dir := filepath.Join(w.basePath, brID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("applog: create directory: %w", err)
	}

	symlinkPath := filepath.Join(dir, "current.log")
	if target, err := os.Readlink(symlinkPath); err == nil {
		existingPath := filepath.Join(dir, target)
		if f, err := os.OpenFile(existingPath, os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			w.files[brID] = f
			return f, nil
		}
	}

	filename := time.Now().Format("2006-01-02_15-04-05") + ".log"
	path := filepath.Join(dir, filename)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("applog: create log file: %w", err)
	}

	w.files[brID] = f
	os.Remove(symlinkPath)
	os.Symlink(filename, symlinkPath)
	log.Infof("applog: created log file %s", path)

	return f, nil
}

// ListLogs returns brID's log filenames, newest first.
func (w *Writer) ListLogs(brID string) ([]string, error) {
	dir := filepath.Join(w.basePath, brID)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	type logEntry struct {
		name    string
		modTime time.Time
	}
	var logs []logEntry
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".log" && entry.Name() != "current.log" {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			logs = append(logs, logEntry{name: entry.Name(), modTime: info.ModTime()})
		}
	}

	sort.Slice(logs, func(i, j int) bool { return logs[i].modTime.After(logs[j].modTime) })

	names := make([]string, len(logs))
	for i, l := range logs {
		names[i] = l.name
	}
	return names, nil
}

func (w *Writer) GetLogPath(brID, filename string) string {
	return filepath.Join(w.basePath, brID, filename)
}

// Cleanup deletes log files older than retentionDays. A retentionDays
// value <= 0 disables cleanup entirely.
func (w *Writer) Cleanup() {
	if w.retentionDays <= 0 {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -w.retentionDays)

	entries, err := os.ReadDir(w.basePath)
	if err != nil {
		return
	}

	for _, brDir := range entries {
		if !brDir.IsDir() {
			continue
		}
		brPath := filepath.Join(w.basePath, brDir.Name())
		logFiles, err := os.ReadDir(brPath)
		if err != nil {
			continue
		}
		for _, lf := range logFiles {
			if lf.IsDir() || filepath.Ext(lf.Name()) != ".log" {
				continue
			}
			info, err := lf.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				path := filepath.Join(brPath, lf.Name())
				os.Remove(path)
				log.Infof("applog: cleaned up old log %s", path)
			}
		}
	}
}

func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range w.files {
		f.Close()
	}
	w.files = make(map[string]*os.File)
}
