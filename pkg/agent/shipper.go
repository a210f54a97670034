package agent

import (
	"sync"
	"time"

	"github.com/drover-io/drover/pkg/protocol"
)

// shipper batches task log lines toward the master. Entries leave in order
// when the buffer fills, when the flush interval elapses, or when the
// master requests a flush barrier.
type shipper struct {
	max  int
	send func(messageType protocol.MessageType, payload any) error

	mu  sync.Mutex
	buf []*protocol.LogEntry
}

func newShipper(max int, send func(protocol.MessageType, any) error) *shipper {
	return &shipper{max: max, send: send}
}

// Add buffers one entry, flushing inline once the buffer is full
func (s *shipper) Add(entry *protocol.LogEntry) {
	s.mu.Lock()
	s.buf = append(s.buf, entry)
	full := len(s.buf) >= s.max
	s.mu.Unlock()

	if full {
		s.Flush()
	}
}

// Flush drains every buffered entry onto the wire, preserving order
func (s *shipper) Flush() {
	s.mu.Lock()
	pending := s.buf
	s.buf = nil
	s.mu.Unlock()

	for _, entry := range pending {
		_ = s.send(protocol.TypeLogEntry, entry)
	}
}

// Buffered reports the number of entries waiting to ship
func (s *shipper) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// run flushes on a timer until done closes, then drains one last time
func (s *shipper) run(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Flush()
		case <-done:
			s.Flush()
			return
		}
	}
}
