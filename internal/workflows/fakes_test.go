package workflows

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tendant/pet-image-sync/internal/capture"
	"github.com/tendant/pet-image-sync/internal/convert"
	"github.com/tendant/pet-image-sync/internal/model"
)

// fakeSession answers captures per source URL.
type fakeSession struct {
	mu       sync.Mutex
	errs     map[string][]error // consumed one per attempt; nil entry means success
	calls    map[string]int
	closed   int
	block    map[string]bool // blocks until ctx is done
	panicURL string
}

func newFakeSession() *fakeSession {
	return &fakeSession{errs: map[string][]error{}, calls: map[string]int{}, block: map[string]bool{}}
}

func (s *fakeSession) Capture(ctx context.Context, url string) (*capture.Result, error) {
	s.mu.Lock()
	s.calls[url]++
	var err error
	if q := s.errs[url]; len(q) > 0 {
		err = q[0]
		s.errs[url] = q[1:]
	}
	blocked := s.block[url]
	s.mu.Unlock()

	if url == s.panicURL {
		panic("browser exploded")
	}
	if blocked {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return &capture.Result{PNG: []byte("png:" + url), Strategy: capture.StrategyElement}, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) callCount(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[url]
}

func launcherFor(s *fakeSession) Launcher {
	return LaunchFunc(func(ctx context.Context) (Capturer, error) { return s, nil })
}

type fakeConverter struct {
	failFor map[string]bool
	calls   int
	mu      sync.Mutex
}

func (c *fakeConverter) Convert(data []byte) (*convert.Result, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.failFor[string(data)] {
		return nil, convert.ErrUnsupportedFormat
	}
	return &convert.Result{
		JPEG: append([]byte("jpeg:"), data...), WebP: append([]byte("webp:"), data...),
		JPEGSize: 10, WebPSize: 7, SavingsPercent: 30,
	}, nil
}

type fakeStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	puts     map[string]int
	failures map[string]int // remaining failures per key
	failAll  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}, puts: map[string]int{}, failures: map[string]int{}}
}

func (s *fakeStore) Put(ctx context.Context, key string, data []byte, contentType string, meta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts[key]++
	if s.failAll {
		return errors.New("503 slow down")
	}
	if s.failures[key] > 0 {
		s.failures[key]--
		return errors.New("503 slow down")
	}
	s.objects[key] = data
	return nil
}

func (s *fakeStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects[key], nil
}

type statusEvent struct {
	op    string
	petID string
}

// fakeStatus is an in-memory StatusWriter that records every write.
type fakeStatus struct {
	mu       sync.Mutex
	statuses map[string]*model.PetImageStatus
	events   []statusEvent
	failOps  map[string]bool
}

func newFakeStatus() *fakeStatus {
	return &fakeStatus{statuses: map[string]*model.PetImageStatus{}, failOps: map[string]bool{}}
}

func (s *fakeStatus) get(id string) *model.PetImageStatus {
	st, ok := s.statuses[id]
	if !ok {
		st = &model.PetImageStatus{PetID: id}
		s.statuses[id] = st
	}
	return st
}

func (s *fakeStatus) record(op, id string) error {
	s.events = append(s.events, statusEvent{op: op, petID: id})
	if s.failOps[op] {
		return errors.New("database is locked")
	}
	return nil
}

func (s *fakeStatus) GetStatus(ctx context.Context, id string) (*model.PetImageStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.get(id)
	return &cp, nil
}

func (s *fakeStatus) MarkScreenshotRequested(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("requested", id); err != nil {
		return err
	}
	now := time.Now()
	s.get(id).ScreenshotRequestedAt = &now
	return nil
}

func (s *fakeStatus) MarkScreenshotCompleted(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("completed", id); err != nil {
		return err
	}
	now := time.Now()
	st := s.get(id)
	st.ScreenshotCompletedAt = &now
	st.HasJPEG = true
	return nil
}

func (s *fakeStatus) SetImageFlags(ctx context.Context, id string, jpeg, webp bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("flags", id); err != nil {
		return err
	}
	st := s.get(id)
	st.HasJPEG, st.HasWebP = jpeg, webp
	return nil
}

func (s *fakeStatus) ops(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		if e.petID == id {
			out = append(out, e.op)
		}
	}
	return out
}
