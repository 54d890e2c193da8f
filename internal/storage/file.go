package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "dispatchq/pkg/logx"
)

// fileKeep bounds the in-memory tail served by Recent.
const fileKeep = 1000

// fileStore appends JSON Lines:
//   - <prefix>.runs.jsonl
//   - <prefix>.history.jsonl
//
// Recent serves the last fileKeep records, reloaded from disk on open.
type fileStore struct {
	log logx.Logger

	mu      sync.Mutex
	runs    *os.File
	history *os.File
	tail    []Record
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	historyPath := prefix + ".history.jsonl"
	tail, err := loadTail(historyPath, fileKeep)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("history reload failed", logx.Err(err))
	}

	rf, err := os.OpenFile(prefix+".runs.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	hf, err := os.OpenFile(historyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = rf.Close()
		return nil, err
	}
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("reloaded", len(tail)))
	return &fileStore{log: log, runs: rf, history: hf, tail: tail}, nil
}

func loadTail(path string, keep int) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		out = append(out, r)
		if len(out) > 2*keep {
			out = append(out[:0], out[len(out)-keep:]...)
		}
	}
	if len(out) > keep {
		out = out[len(out)-keep:]
	}
	return out, sc.Err()
}

func (s *fileStore) StartRun(_ context.Context, r Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.runs).Encode(r)
}

func (s *fileStore) Append(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.history == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.history).Encode(r); err != nil {
		return err
	}
	s.tail = append(s.tail, r)
	if len(s.tail) > 2*fileKeep {
		s.tail = append(s.tail[:0], s.tail[len(s.tail)-fileKeep:]...)
	}
	return nil
}

func (s *fileStore) Recent(_ context.Context, q Query) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.history == nil {
		return nil, ErrClosed
	}
	var out []Record
	for i := len(s.tail) - 1; i >= 0 && len(out) < q.limit(); i-- {
		if q.match(s.tail[i]) {
			out = append(out, s.tail[i])
		}
	}
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.runs != nil {
		errs = append(errs, s.runs.Close())
		s.runs = nil
	}
	if s.history != nil {
		errs = append(errs, s.history.Close())
		s.history = nil
	}
	return errors.Join(errs...)
}
