package ingest

import (
	"bufio"
	"compress/bzip2"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/riftstats/pipeline/internal/model"
)

const (
	processedDir = "processed"
	failedDir    = "failed"
)

// StagingLoader ingests record files dropped into a staging directory.
// Each file holds newline-delimited JSON normalized records, optionally
// bzip2-compressed. Files move to processed/ on success and failed/ when
// they cannot be parsed or committed, so a crash mid-directory re-processes
// only what is still staged.
type StagingLoader struct {
	ingester *Ingester
	dir      string
}

// NewStagingLoader creates the loader and its outcome subdirectories.
func NewStagingLoader(ingester *Ingester, dir string) (*StagingLoader, error) {
	for _, sub := range []string{processedDir, failedDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, eris.Wrapf(err, "staging: create %s dir", sub)
		}
	}
	return &StagingLoader{ingester: ingester, dir: dir}, nil
}

func (l *StagingLoader) Name() string { return "staging" }

// Poll processes every staged file currently in the directory, oldest first.
func (l *StagingLoader) Poll(ctx context.Context) error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return eris.Wrap(err, "staging: read dir")
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".jsonl") || strings.HasSuffix(name, ".jsonl.bz2") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.processFile(ctx, name)
	}
	return nil
}

func (l *StagingLoader) processFile(ctx context.Context, name string) {
	log := zap.L().With(zap.String("file", name))
	path := filepath.Join(l.dir, name)

	records, err := readRecords(path)
	if err != nil {
		log.Error("staged file unreadable", zap.Error(err))
		l.move(name, failedDir)
		return
	}

	report, err := l.ingester.Ingest(ctx, records)
	if err != nil {
		log.Error("staged file ingest failed", zap.Error(err))
		l.move(name, failedDir)
		return
	}

	log.Info("staged file ingested",
		zap.Int("records", len(records)),
		zap.Int("committed", report.Committed),
		zap.Int("quarantined", report.Quarantined),
	)
	l.move(name, processedDir)
}

func (l *StagingLoader) move(name, sub string) {
	src := filepath.Join(l.dir, name)
	dst := filepath.Join(l.dir, sub, name)
	if err := os.Rename(src, dst); err != nil {
		zap.L().Error("staging move failed",
			zap.String("file", name),
			zap.String("dest", sub),
			zap.Error(err),
		)
	}
}

func readRecords(path string) ([]model.NormalizedRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "staging: open")
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".bz2") {
		r = bzip2.NewReader(f)
	}

	var out []model.NormalizedRecord
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var rec model.NormalizedRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, eris.Wrapf(err, "staging: decode line %d", line)
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrap(err, "staging: scan")
	}
	return out, nil
}
