package capture

import (
	"bytes"
	"context"
	"io"

	"github.com/tresby/prismcast/internal/browser"
)

type fakePage struct {
	closed   bool
	bypassed bool
	navURL   string
	navErr   error
	resizes  []browser.Viewport
}

func (p *fakePage) SetBypassCSP(ctx context.Context, bypass bool) error {
	p.bypassed = bypass
	return nil
}

func (p *fakePage) Navigate(ctx context.Context, rawURL string) error {
	p.navURL = rawURL
	return p.navErr
}

func (p *fakePage) Evaluate(ctx context.Context, script string, out any) error { return nil }

func (p *fakePage) Close(ctx context.Context) error {
	p.closed = true
	return nil
}

func (p *fakePage) IsClosed() bool { return p.closed }

func (p *fakePage) Frames() []browser.Frame { return nil }

func (p *fakePage) Resize(ctx context.Context, v browser.Viewport) error {
	p.resizes = append(p.resizes, v)
	return nil
}

type fakeBrowser struct {
	pages      []*fakePage
	newPageErr error
}

func (b *fakeBrowser) NewPage(ctx context.Context) (browser.Page, error) {
	if b.newPageErr != nil {
		return nil, b.newPageErr
	}
	p := &fakePage{}
	b.pages = append(b.pages, p)
	return p, nil
}

func (b *fakeBrowser) Connected() bool { return true }

type fakeCaptureStream struct {
	*bytes.Reader
	closed bool
}

func (s *fakeCaptureStream) Close() error {
	s.closed = true
	return nil
}

func newFakeCaptureStream(data string) *fakeCaptureStream {
	return &fakeCaptureStream{Reader: bytes.NewReader([]byte(data))}
}

type fakeMediaCapture struct {
	startErr error
	payload  string
}

func (m *fakeMediaCapture) StartCapture(ctx context.Context, page browser.Page, opts browser.CaptureOptions) (browser.CaptureStream, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}
	return newFakeCaptureStream(m.payload), nil
}

type fakeRemuxProcess struct {
	stdin  *io.PipeWriter
	stdout *io.PipeReader
	killed bool
}

func newFakeRemuxProcess() *fakeRemuxProcess {
	pr, pw := io.Pipe()
	return &fakeRemuxProcess{stdin: pw, stdout: pr}
}

func (p *fakeRemuxProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *fakeRemuxProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *fakeRemuxProcess) Wait() error           { return nil }
func (p *fakeRemuxProcess) Kill() error {
	p.killed = true
	return nil
}

type fakeRemuxSpawner struct {
	spawnErr error
	spawned  []*fakeRemuxProcess
}

func (s *fakeRemuxSpawner) SpawnCopyToMPEGTS(ctx context.Context) (browser.RemuxerProcess, error) {
	return s.spawn()
}

func (s *fakeRemuxSpawner) SpawnTranscodeAudioToFMP4(ctx context.Context) (browser.RemuxerProcess, error) {
	return s.spawn()
}

func (s *fakeRemuxSpawner) spawn() (browser.RemuxerProcess, error) {
	if s.spawnErr != nil {
		return nil, s.spawnErr
	}
	p := newFakeRemuxProcess()
	s.spawned = append(s.spawned, p)
	return p, nil
}

type fakeProfileResolver struct {
	byChannel map[string]browser.Profile
	byURL     map[string]browser.Profile
	byName    map[string]browser.Profile
}

func newFakeProfileResolver() *fakeProfileResolver {
	return &fakeProfileResolver{
		byChannel: map[string]browser.Profile{},
		byURL:     map[string]browser.Profile{},
		byName:    map[string]browser.Profile{},
	}
}

func (r *fakeProfileResolver) ProfileForChannel(channel string) (browser.Profile, bool) {
	p, ok := r.byChannel[channel]
	return p, ok
}

func (r *fakeProfileResolver) ProfileForURL(rawURL string) (browser.Profile, bool) {
	p, ok := r.byURL[rawURL]
	return p, ok
}

func (r *fakeProfileResolver) ResolveProfileByName(name string) (browser.Profile, bool) {
	p, ok := r.byName[name]
	return p, ok
}

type fakePlaybackController struct {
	tuneErr  error
	tuneHits int
}

func (c *fakePlaybackController) Play(ctx context.Context, page browser.Page) error { return nil }

func (c *fakePlaybackController) Unmute(ctx context.Context, page browser.Page, volume float64) error {
	return nil
}

func (c *fakePlaybackController) ReloadSource(ctx context.Context, page browser.Page) error {
	return nil
}

func (c *fakePlaybackController) TuneToChannel(ctx context.Context, page browser.Page, profile browser.Profile) error {
	c.tuneHits++
	return c.tuneErr
}

func (c *fakePlaybackController) ReadVideoState(ctx context.Context, page browser.Page) (browser.VideoState, error) {
	return browser.VideoState{ReadyState: 4}, nil
}
