package historystore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/replan/pkg/adaptation"
)

// archiveBatch is the document written for one archive run
type archiveBatch struct {
	ArchivedAt time.Time           `json:"archived_at"`
	Records    []adaptation.Record `json:"records"`
}

// FileSink writes archive batches as JSON files in a directory
type FileSink struct {
	dir    string
	logger zerolog.Logger
}

var _ adaptation.ArchiveSink = (*FileSink)(nil)

// NewFileSink creates a sink writing to dir
func NewFileSink(dir string, logger zerolog.Logger) *FileSink {
	return &FileSink{
		dir:    dir,
		logger: logger.With().Str("component", "archive-file").Logger(),
	}
}

// Archive writes one batch file with a temp file and an atomic rename
func (s *FileSink) Archive(ctx context.Context, records []adaptation.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, name, err := encodeBatch(records)
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, name)

	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, path); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	s.logger.Debug().Str("path", path).Int("records", len(records)).Msg("Archive batch written")
	return nil
}

// ReadArchive loads every batch in dir, oldest file first
func ReadArchive(dir string) ([]adaptation.Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []adaptation.Record
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		var batch archiveBatch
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", name, err)
		}
		out = append(out, batch.Records...)
	}
	return out, nil
}

// encodeBatch renders a batch and a sortable, collision-free name for it
func encodeBatch(records []adaptation.Record) ([]byte, string, error) {
	now := time.Now().UTC()
	data, err := json.MarshalIndent(archiveBatch{ArchivedAt: now, Records: records}, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal archive batch: %w", err)
	}
	suffix, err := gonanoid.New(8)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate batch id: %w", err)
	}
	return data, fmt.Sprintf("records-%s-%s.json", now.Format("20060102T150405.000000000"), suffix), nil
}
