package tools

import (
	"context"
	"sync"
)

// ScriptedTool is an in-memory CodingTool for tests and demos. Script
// maps over calls in order; when exhausted, the Default outcome (or a
// generic success) is returned. All requests are recorded.
type ScriptedTool struct {
	ToolName string
	Script   []Outcome
	Default  *Outcome
	Handler  func(Request) *Outcome // optional, takes precedence

	mu    sync.Mutex
	calls []Request
	next  int
}

func (s *ScriptedTool) Name() string {
	if s.ToolName == "" {
		return "scripted"
	}
	return s.ToolName
}

func (s *ScriptedTool) Dispatch(_ context.Context, req Request) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)

	if s.Handler != nil {
		if out := s.Handler(req); out != nil {
			return *out
		}
	}
	if s.next < len(s.Script) {
		out := s.Script[s.next]
		s.next++
		return out
	}
	if s.Default != nil {
		return *s.Default
	}
	return Outcome{Text: "done, exit=0", Success: true}
}

// Calls returns a copy of the recorded requests.
func (s *ScriptedTool) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}
