package store

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process backend, used for local runs and tests.
type Memory struct {
	mu     sync.Mutex
	sheets map[string]*memorySheet
}

func NewMemory() *Memory {
	return &Memory{sheets: make(map[string]*memorySheet)}
}

// Create registers a sheet with the given header, replacing any existing one.
func (m *Memory) Create(name string, header ...string) Sheet {
	m.mu.Lock()
	defer m.mu.Unlock()
	sheet := &memorySheet{name: name, rows: [][]string{append([]string(nil), header...)}}
	m.sheets[name] = sheet
	return sheet
}

func (m *Memory) Open(_ context.Context, name string) (Sheet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sheet, ok := m.sheets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSheetNotFound, name)
	}
	return sheet, nil
}

type memorySheet struct {
	name string
	mu   sync.Mutex
	rows [][]string
}

func (s *memorySheet) Name() string { return s.name }

func (s *memorySheet) Values(context.Context) ([][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.rows))
	for i, row := range s.rows {
		out[i] = append([]string(nil), row...)
	}
	return out, nil
}

func (s *memorySheet) AppendRow(_ context.Context, values []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, append([]string(nil), values...))
	return nil
}

func (s *memorySheet) UpdateCell(_ context.Context, row, col int, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(row, col, value)
}

func (s *memorySheet) CompareAndSwapCell(_ context.Context, row, col int, old, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row < 1 || row > len(s.rows) {
		return false, fmt.Errorf("%w: %d", ErrRowOutOfRange, row)
	}
	if col < 1 {
		return false, fmt.Errorf("invalid column %d", col)
	}
	current := ""
	if col <= len(s.rows[row-1]) {
		current = s.rows[row-1][col-1]
	}
	if current != old {
		return false, nil
	}
	return true, s.set(row, col, value)
}

func (s *memorySheet) set(row, col int, value string) error {
	if row < 1 || row > len(s.rows) {
		return fmt.Errorf("%w: %d", ErrRowOutOfRange, row)
	}
	if col < 1 {
		return fmt.Errorf("invalid column %d", col)
	}
	cells := s.rows[row-1]
	for len(cells) < col {
		cells = append(cells, "")
	}
	cells[col-1] = value
	s.rows[row-1] = cells
	return nil
}
