// Package ingest loads scraper output into the raw listing store.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joseph-ayodele/listings-pipeline/internal/common"
	"github.com/joseph-ayodele/listings-pipeline/internal/entity"
)

// maxLineBytes bounds one scraped record; listing descriptions are small.
const maxLineBytes = 1 << 20

// RawInserter is the write side of the raw listing store.
type RawInserter interface {
	Insert(ctx context.Context, text string) (*entity.RawListing, error)
}

// Stats summarizes an import.
type Stats struct {
	Files    uint32
	Scanned  uint32
	Imported uint32
	Skipped  uint32
	Failed   uint32
}

func (s *Stats) add(o Stats) {
	s.Files += o.Files
	s.Scanned += o.Scanned
	s.Imported += o.Imported
	s.Skipped += o.Skipped
	s.Failed += o.Failed
}

// LineError describes a rejected input line.
type LineError struct {
	Path string
	Line int
	Err  string
}

type scrapedRecord struct {
	Text string `json:"text"`
}

type Importer struct {
	raws   RawInserter
	logger *slog.Logger
}

func NewImporter(raws RawInserter, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{raws: raws, logger: logger}
}

// ImportPath imports one .jsonl file, or every .jsonl file under a
// directory. Hidden files and directories are skipped.
func (i *Importer) ImportPath(ctx context.Context, root string) (Stats, []LineError, error) {
	if strings.TrimSpace(root) == "" {
		return Stats{}, nil, common.NewAppError("INVALID_INPUT", "import path is required", common.ErrInvalidInput)
	}
	info, err := os.Stat(root)
	if err != nil {
		return Stats{}, nil, fmt.Errorf("stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return i.importFile(ctx, root)
	}

	var (
		stats Stats
		errs  []LineError
		start = time.Now()
	)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path != root && isHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".jsonl") {
			return nil
		}
		s, le, err := i.importFile(ctx, path)
		stats.add(s)
		errs = append(errs, le...)
		return err
	})
	if err != nil {
		return stats, errs, fmt.Errorf("walk: %w", err)
	}
	i.logger.Info("ingest.dir.done", "root", root, "files", stats.Files, "imported", stats.Imported,
		"failed", stats.Failed, "elapsed_ms", time.Since(start).Milliseconds())
	return stats, errs, nil
}

func (i *Importer) importFile(ctx context.Context, path string) (Stats, []LineError, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	stats, errs, err := i.ImportReader(ctx, path, f)
	stats.Files = 1
	return stats, errs, err
}

// ImportReader inserts one raw listing per {"text": ...} line of r. Blank
// lines are skipped, malformed ones are reported and the import goes on; a
// store error stops it.
func (i *Importer) ImportReader(ctx context.Context, name string, r io.Reader) (Stats, []LineError, error) {
	var (
		stats Stats
		errs  []LineError
		start = time.Now()
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	line := 0
	for sc.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return stats, errs, err
		}
		raw := bytes.TrimSpace(sc.Bytes())
		stats.Scanned++
		if len(raw) == 0 {
			stats.Skipped++
			continue
		}

		text, err := decodeRecord(raw)
		if err != nil {
			stats.Failed++
			errs = append(errs, LineError{Path: name, Line: line, Err: err.Error()})
			i.logger.Warn("ingest.line.rejected", "path", name, "line", line, "error", err)
			continue
		}

		row, err := i.raws.Insert(ctx, text)
		if err != nil {
			return stats, errs, fmt.Errorf("%s:%d: insert raw listing: %w", name, line, err)
		}
		stats.Imported++
		i.logger.Debug("ingest.line.ok", "path", name, "line", line, "raw_id", row.ID)
	}
	if err := sc.Err(); err != nil {
		return stats, errs, fmt.Errorf("read %s: %w", name, err)
	}

	i.logger.Info("ingest.file.done", "path", name, "scanned", stats.Scanned, "imported", stats.Imported,
		"failed", stats.Failed, "elapsed_ms", time.Since(start).Milliseconds())
	return stats, errs, nil
}

func decodeRecord(raw []byte) (string, error) {
	var rec scrapedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		var syn *json.SyntaxError
		if errors.As(err, &syn) {
			return "", fmt.Errorf("invalid json at offset %d", syn.Offset)
		}
		return "", fmt.Errorf("invalid record: %w", err)
	}
	v := common.NewValidator().Field("text", rec.Text, common.Required)
	if err := v.Error(); err != nil {
		return "", err
	}
	return strings.TrimSpace(rec.Text), nil
}

func isHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}
