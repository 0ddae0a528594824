package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "stridebot/pkg/logx"
)

// fileStore keeps the whole registry in memory and rewrites one JSON
// snapshot (write-temp-then-rename) on every mutation, so a crash never
// leaves a partially written file.
//
// Mutations commit to memory only after the snapshot hit disk.
type fileStore struct {
	log  logx.Logger
	path string

	mu      sync.Mutex
	order   []string
	records map[string]*record
}

type record struct {
	Token     string    `json:"token"`
	Watermark time.Time `json:"watermark"`
}

// snapshot is the on-disk format: an ordered array so List() survives the
// round trip in insertion order.
type snapshot struct {
	Athletes []snapshotEntry `json:"athletes"`
}

type snapshotEntry struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	Watermark time.Time `json:"watermark"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:     log,
		path:    path,
		records: map[string]*record{},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.log.Info("no saved state found, starting fresh", logx.String("path", s.path))
		return nil
	}
	if err != nil {
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("state file %s: %w", s.path, err)
	}
	for _, e := range snap.Athletes {
		if e.ID == "" {
			continue
		}
		if _, ok := s.records[e.ID]; !ok {
			s.order = append(s.order, e.ID)
		}
		s.records[e.ID] = &record{Token: e.Token, Watermark: e.Watermark.UTC()}
	}
	return nil
}

// flushLocked writes the given registry view to disk atomically. The caller
// commits to memory only if this returns nil.
func (s *fileStore) flushLocked(order []string, records map[string]*record) error {
	snap := snapshot{Athletes: make([]snapshotEntry, 0, len(order))}
	for _, id := range order {
		r := records[id]
		if r == nil {
			continue
		}
		snap.Athletes = append(snap.Athletes, snapshotEntry{ID: id, Token: r.Token, Watermark: r.Watermark.UTC()})
	}

	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) Register(ctx context.Context, id, token string, watermark time.Time) error {
	_ = ctx
	if strings.TrimSpace(id) == "" {
		return errors.New("athlete id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	order := s.order
	if _, ok := s.records[id]; !ok {
		order = append(append([]string(nil), s.order...), id)
	}
	records := cloneRecords(s.records)
	records[id] = &record{Token: token, Watermark: watermark.UTC()}

	if err := s.flushLocked(order, records); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	s.order = order
	s.records = records
	return nil
}

func (s *fileStore) Remove(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	order := make([]string, 0, len(s.order)-1)
	for _, v := range s.order {
		if v != id {
			order = append(order, v)
		}
	}
	records := cloneRecords(s.records)
	delete(records, id)

	if err := s.flushLocked(order, records); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	s.order = order
	s.records = records
	return nil
}

func (s *fileStore) List(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...), nil
}

func (s *fileStore) Credential(ctx context.Context, id string) (string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return "", ErrNotFound
	}
	return r.Token, nil
}

func (s *fileStore) Watermark(ctx context.Context, id string) (time.Time, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	return r.Watermark, nil
}

func (s *fileStore) SetWatermark(ctx context.Context, id string, t time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	// Watermarks only move forward.
	if !t.After(r.Watermark) {
		return nil
	}
	records := cloneRecords(s.records)
	records[id] = &record{Token: r.Token, Watermark: t.UTC()}

	if err := s.flushLocked(s.order, records); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	s.records = records
	return nil
}

func (s *fileStore) Close() error { return nil }

func cloneRecords(in map[string]*record) map[string]*record {
	out := make(map[string]*record, len(in))
	for k, v := range in {
		cp := *v
		out[k] = &cp
	}
	return out
}
