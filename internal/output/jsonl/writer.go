// Package jsonl persists crawl records as one JSON document per line, one
// file per session.
package jsonl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

const fileExt = ".jsonl"

// ErrNoFile is returned by Path when a session has not written any records.
var ErrNoFile = errors.New("session file not found")

// Config captures the parameters for the JSONL writer.
type Config struct {
	// BaseDir is the directory holding the per-session files.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Writer appends records to <BaseDir>/<session-id>.jsonl.
type Writer struct {
	baseDir string
	mu      sync.Mutex
}

// New creates the base directory if needed and verifies it is writable.
func New(cfg Config) (*Writer, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &Writer{baseDir: cfg.BaseDir}, nil
}

// Emit appends rec as a single JSON line to its session file.
func (w *Writer) Emit(ctx context.Context, rec crawler.Record) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled: %w", err)
	}
	target, err := w.sessionPath(rec.SessionID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	payload = append(payload, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(target, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", target, err)
	}
	if _, err := f.Write(payload); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", target, err)
	}
	return nil
}

// Path returns the file for sessionID, or ErrNoFile when nothing was written.
func (w *Writer) Path(sessionID string) (string, error) {
	target, err := w.sessionPath(sessionID)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(target); err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoFile
		}
		return "", fmt.Errorf("stat %s: %w", target, err)
	}
	return target, nil
}

func (w *Writer) sessionPath(sessionID string) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", fmt.Errorf("session id is required")
	}
	fullPath := filepath.Join(w.baseDir, sessionID+fileExt)

	cleanBaseDir := filepath.Clean(w.baseDir)
	cleanFullPath := filepath.Clean(fullPath)
	if filepath.Dir(cleanFullPath) != cleanBaseDir {
		return "", fmt.Errorf("path traversal detected")
	}
	return cleanFullPath, nil
}
