package monitor

import (
	"context"
	"sync"

	"github.com/tresby/prismcast/internal/browser"
)

type fakePage struct {
	mu     sync.Mutex
	closed bool
}

func (p *fakePage) SetBypassCSP(ctx context.Context, bypass bool) error { return nil }
func (p *fakePage) Navigate(ctx context.Context, rawURL string) error   { return nil }
func (p *fakePage) Evaluate(ctx context.Context, script string, out any) error {
	return nil
}
func (p *fakePage) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
func (p *fakePage) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
func (p *fakePage) Frames() []browser.Frame                              { return nil }
func (p *fakePage) Resize(ctx context.Context, v browser.Viewport) error { return nil }

type scriptedPlayback struct {
	mu          sync.Mutex
	states      []browser.VideoState
	nextIdx     int
	readErr     error
	playCalls   int
	reloadCalls int
	tuneCalls   int
	tuneErr     error
	reloadErr   error
}

func (s *scriptedPlayback) Play(ctx context.Context, page browser.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playCalls++
	return nil
}

func (s *scriptedPlayback) Unmute(ctx context.Context, page browser.Page, volume float64) error {
	return nil
}

func (s *scriptedPlayback) ReloadSource(ctx context.Context, page browser.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadCalls++
	return s.reloadErr
}

func (s *scriptedPlayback) TuneToChannel(ctx context.Context, page browser.Page, profile browser.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tuneCalls++
	return s.tuneErr
}

func (s *scriptedPlayback) ReadVideoState(ctx context.Context, page browser.Page) (browser.VideoState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return browser.VideoState{}, s.readErr
	}
	if len(s.states) == 0 {
		return browser.VideoState{ReadyState: 4, Volume: 1}, nil
	}
	idx := s.nextIdx
	if idx >= len(s.states) {
		idx = len(s.states) - 1
	} else {
		s.nextIdx++
	}
	return s.states[idx], nil
}
