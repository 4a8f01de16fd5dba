package location

import (
	"sync"

	"github.com/vladgets/roadmate-tracker/internal/track"
)

// MockSource is a hand-driven Source for tests.
type MockSource struct {
	mu       sync.Mutex
	ch       chan track.Fix
	starts   []Params
	stops    int
	startErr error
}

// NewMockSource returns an idle mock source.
func NewMockSource() *MockSource {
	return &MockSource{}
}

// FailStartWith makes subsequent Start calls return err.
func (m *MockSource) FailStartWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

func (m *MockSource) Start(params Params) (<-chan track.Fix, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return nil, m.startErr
	}
	m.starts = append(m.starts, params)
	m.ch = make(chan track.Fix, 16)
	return m.ch, nil
}

func (m *MockSource) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	if m.ch != nil {
		close(m.ch)
		m.ch = nil
	}
}

// Emit delivers a fix from the current source incarnation. A no-op when
// the source is stopped.
func (m *MockSource) Emit(fix track.Fix) {
	m.mu.Lock()
	ch := m.ch
	m.mu.Unlock()
	if ch != nil {
		ch <- fix
	}
}

// StartCount returns how many times Start was called.
func (m *MockSource) StartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.starts)
}

// StopCount returns how many times Stop was called.
func (m *MockSource) StopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

// LastParams returns the params of the most recent Start.
func (m *MockSource) LastParams() Params {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.starts) == 0 {
		return Params{}
	}
	return m.starts[len(m.starts)-1]
}
