// Package output defines the text sinks build and log output is written to.
package output

import (
	"io"
	"sync"
)

// Sink receives human readable output. Implementations must be safe for
// concurrent use because stdout and stderr are forwarded from separate goroutines.
type Sink interface {
	Append(text string)
	AppendLine(text string)
	Clear()
	Show()
}

// WriterSink writes to an io.Writer. Clear and Show are no-ops.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink creates a sink writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Append(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = io.WriteString(s.w, text)
}

func (s *WriterSink) AppendLine(text string) {
	s.Append(text + "\n")
}

func (s *WriterSink) Clear() {}
func (s *WriterSink) Show()  {}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Append(string)     {}
func (discard) AppendLine(string) {}
func (discard) Clear()            {}
func (discard) Show()             {}

// Buffer is an in-memory Sink, mostly useful in tests.
type Buffer struct {
	mu      sync.Mutex
	text    []byte
	cleared int
	shown   int
}

func (b *Buffer) Append(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text = append(b.text, text...)
}

func (b *Buffer) AppendLine(text string) {
	b.Append(text + "\n")
}

func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text = b.text[:0]
	b.cleared++
}

func (b *Buffer) Show() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shown++
}

// String returns everything appended since the last Clear.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.text)
}

// Shown reports how many times Show was called.
func (b *Buffer) Shown() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shown
}
