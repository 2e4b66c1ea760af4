// Package logstore keeps a bounded in-memory ring of recent log lines
// and fans new lines out to subscribers. It sits in the zerolog writer
// chain and backs the debug log tail endpoint.
package logstore

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

const defaultMaxLines = 5000

type Entry struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Line      string    `json:"line"`
}

type Store struct {
	mu       sync.Mutex
	maxLines int
	nextSeq  int64
	entries  []Entry
	subs     map[chan Entry]struct{}
	buf      []byte
}

func New(maxLines int) *Store {
	if maxLines <= 0 {
		maxLines = defaultMaxLines
	}
	return &Store{
		maxLines: maxLines,
		subs:     map[chan Entry]struct{}{},
	}
}

// Write accepts zerolog output. Lines are parsed as zerolog JSON;
// anything else is recorded verbatim at info level. Always reports
// success so a full ring can never break the logger chain.
func (s *Store) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, p...)
	for {
		idx := bytes.IndexByte(s.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimSpace(s.buf[:idx]))
		s.buf = s.buf[idx+1:]
		if line != "" {
			s.addLocked(line)
		}
	}
	return len(p), nil
}

func (s *Store) addLocked(line string) {
	var parsed struct {
		Level   string    `json:"level"`
		Time    time.Time `json:"time"`
		Message string    `json:"message"`
	}
	e := Entry{Level: "info", Message: line, Line: line}
	if err := json.Unmarshal([]byte(line), &parsed); err == nil {
		if lvl := strings.TrimSpace(parsed.Level); lvl != "" {
			e.Level = lvl
		}
		if parsed.Message != "" {
			e.Message = parsed.Message
		}
		e.Timestamp = parsed.Time.UTC()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	s.nextSeq++
	e.Seq = s.nextSeq

	s.entries = append(s.entries, e)
	if len(s.entries) > s.maxLines {
		s.entries = append([]Entry(nil), s.entries[len(s.entries)-s.maxLines:]...)
	}
	for ch := range s.subs {
		select {
		case ch <- e:
		default:
			// Slow subscriber loses the line rather than stalling the logger.
		}
	}
}

func (s *Store) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Subscribe returns a channel of entries added after the call plus a
// cancel func. The channel is closed by cancel, never by the store.
func (s *Store) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Entry, buffer)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}
