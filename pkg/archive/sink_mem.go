package archive

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// MemorySink is an in-memory sink for tests. It can be told to fail the
// next N puts to exercise the archiver's retry path.
type MemorySink struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failNext int
	puts     int
}

// NewMemorySink creates an empty in-memory sink
func NewMemorySink() *MemorySink {
	return &MemorySink{objects: make(map[string][]byte)}
}

// FailNext makes the next n Put calls fail
func (s *MemorySink) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// PutCount returns the total number of Put attempts, including failures
func (s *MemorySink) PutCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

// Put stores data under name
func (s *MemorySink) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.puts++
	if s.failNext > 0 {
		s.failNext--
		return errors.New("injected sink failure")
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[name] = cp
	return nil
}

// Get retrieves the object stored under name
func (s *MemorySink) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.objects[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// List returns all object names in ascending order
func (s *MemorySink) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.objects))
	for name := range s.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
