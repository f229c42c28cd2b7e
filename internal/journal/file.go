package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// FileJournal appends one self-contained JSON record per line. Decisions
// and refresh snapshots go to separate files under the same directory.
type FileJournal struct {
	mu        sync.Mutex
	decisions *os.File
	refreshes *os.File
}

// NewFileJournal opens (creating if needed) dir/decisions.jsonl and
// dir/refreshes.jsonl for appending.
func NewFileJournal(dir string) (*FileJournal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	open := func(name string) (*os.File, error) {
		return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	}
	dec, err := open("decisions.jsonl")
	if err != nil {
		return nil, fmt.Errorf("open decision journal: %w", err)
	}
	ref, err := open("refreshes.jsonl")
	if err != nil {
		_ = dec.Close()
		return nil, fmt.Errorf("open refresh journal: %w", err)
	}
	log.Info().Str("dir", dir).Msg("File journal opened")
	return &FileJournal{decisions: dec, refreshes: ref}, nil
}

func (j *FileJournal) WriteDecision(_ context.Context, rec *Record) error {
	return j.writeLine(j.decisions, rec)
}

func (j *FileJournal) WriteRefresh(_ context.Context, rec *RefreshRecord) error {
	return j.writeLine(j.refreshes, rec)
}

func (j *FileJournal) writeLine(f *os.File, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal journal record: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append journal record: %w", err)
	}
	return nil
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.decisions.Close(); err != nil {
		_ = j.refreshes.Close()
		return err
	}
	return j.refreshes.Close()
}
