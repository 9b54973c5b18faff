package provider

import (
	"context"
	"sync"
	"time"
)

// ScriptStep is one event of a scripted response, optionally preceded by a
// delay so tests can hold a stream open.
type ScriptStep struct {
	Delay time.Duration
	Event Event
}

// Step wraps an event as an undelayed script step.
func Step(event Event) ScriptStep {
	return ScriptStep{Event: event}
}

// Scripted replays canned event sequences, one per Stream call, in order.
// When the scripts run out, further calls replay the last one. It exists
// for tests that drive the agent loop without a real model.
type Scripted struct {
	name string

	mu       sync.Mutex
	scripts  [][]ScriptStep
	requests []Request
}

// NewScripted creates a scripted provider from response scripts.
func NewScripted(scripts ...[]ScriptStep) *Scripted {
	return &Scripted{name: "scripted", scripts: scripts}
}

// Name implements Provider.
func (p *Scripted) Name() string { return p.name }

// Stream replays the next script. The request is recorded for assertions.
func (p *Scripted) Stream(ctx context.Context, req Request) (Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	index := len(p.requests)
	p.requests = append(p.requests, req)

	var steps []ScriptStep
	if len(p.scripts) > 0 {
		if index >= len(p.scripts) {
			index = len(p.scripts) - 1
		}
		steps = p.scripts[index]
	}
	return &scriptedStream{ctx: ctx, steps: steps, closed: make(chan struct{})}, nil
}

// Requests returns the requests observed so far.
func (p *Scripted) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.requests...)
}

type scriptedStream struct {
	ctx     context.Context
	steps   []ScriptStep
	pos     int
	current Event
	err     error
	closed  chan struct{}
	once    sync.Once
}

func (s *scriptedStream) Next() bool {
	if s.err != nil || s.pos >= len(s.steps) {
		return false
	}
	step := s.steps[s.pos]
	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			s.err = s.ctx.Err()
			return false
		case <-s.closed:
			return false
		}
	} else if err := s.ctx.Err(); err != nil {
		s.err = err
		return false
	}
	s.current = step.Event
	s.pos++
	return true
}

func (s *scriptedStream) Current() Event { return s.current }

func (s *scriptedStream) Err() error { return s.err }

func (s *scriptedStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}
