package link

import (
	"strings"
	"sync"
)

// Mock is an in-memory Link. Every command is recorded and answered by the
// responder; answers accumulate until the next Receive.
type Mock struct {
	mu           sync.Mutex
	respond      func(cmd string) string
	sent         []string
	pending      strings.Builder
	disconnected bool
	closed       bool
}

// NewMock returns a connected mock. respond may be nil.
func NewMock(respond func(cmd string) string) *Mock {
	return &Mock{respond: respond}
}

func (m *Mock) Send(cmd string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disconnected || m.closed {
		return ErrNotConnected
	}
	m.sent = append(m.sent, cmd)
	if m.respond != nil {
		m.pending.WriteString(m.respond(cmd))
	}
	return nil
}

func (m *Mock) Receive() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disconnected || m.closed {
		return "", ErrNotConnected
	}
	s := m.pending.String()
	m.pending.Reset()
	return s, nil
}

// Commands returns a copy of every command sent so far.
func (m *Mock) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

// Disconnect makes every further call fail with ErrNotConnected.
func (m *Mock) Disconnect() {
	m.mu.Lock()
	m.disconnected = true
	m.mu.Unlock()
}

func (m *Mock) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
