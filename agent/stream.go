// Package agent implements the AI flow builder: a supervisor that analyses
// user intent, routes to specialist sub-agents, mutates a working flow
// draft through tools, and streams progress events.
package agent

import "sync"

// StreamKind tags one streamed event from an agent chain.
type StreamKind string

const (
	StreamThinking   StreamKind = "thinking"
	StreamText       StreamKind = "text"
	StreamStructured StreamKind = "structured"
	StreamError      StreamKind = "error"
	StreamDone       StreamKind = "done"
)

// StreamEvent is one tagged event. Text carries thinking/text/error
// content; Object carries structured payloads.
type StreamEvent struct {
	Kind   StreamKind             `json:"kind"`
	Text   string                 `json:"text,omitempty"`
	Object map[string]interface{} `json:"object,omitempty"`
}

const streamBuffer = 256

// Stream is the outgoing event channel for one AI turn. Events are
// advisory: a slow consumer loses the oldest buffered events rather than
// blocking the agents. Done closes the channel.
type Stream struct {
	mu     sync.Mutex
	ch     chan StreamEvent
	closed bool
}

// NewStream creates a bounded event stream.
func NewStream() *Stream {
	return &Stream{ch: make(chan StreamEvent, streamBuffer)}
}

// Events returns the consumer side of the stream.
func (s *Stream) Events() <-chan StreamEvent { return s.ch }

// Emit delivers an event, dropping the oldest buffered event on overflow.
func (s *Stream) Emit(event StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- event:
		default:
		}
	}
}

func (s *Stream) Thinking(text string) { s.Emit(StreamEvent{Kind: StreamThinking, Text: text}) }
func (s *Stream) Text(text string)     { s.Emit(StreamEvent{Kind: StreamText, Text: text}) }
func (s *Stream) Error(text string)    { s.Emit(StreamEvent{Kind: StreamError, Text: text}) }

func (s *Stream) Structured(object map[string]interface{}) {
	s.Emit(StreamEvent{Kind: StreamStructured, Object: object})
}

// Done emits the terminal event and closes the stream. Safe to call once.
func (s *Stream) Done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- StreamEvent{Kind: StreamDone}:
	default:
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- StreamEvent{Kind: StreamDone}:
		default:
		}
	}
	s.closed = true
	close(s.ch)
}
