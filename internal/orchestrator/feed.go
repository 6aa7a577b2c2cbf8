package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tresby/prismcast/internal/capture"
	"github.com/tresby/prismcast/internal/hlsstore"
	"github.com/tresby/prismcast/internal/monitor"
	"github.com/tresby/prismcast/internal/mp4box"
	"github.com/tresby/prismcast/internal/registry"
	"github.com/tresby/prismcast/internal/segmenter"
)

// stream is the byte source a feed loop parses boxes from: either the raw
// capture stream (native mode) or a transcoder's stdout (ffmpeg mode).
type stream = io.ReadCloser

// streamState is the per-stream bookkeeping the orchestrator keeps beyond
// what registry.Entry itself holds: the running feed loop's generation
// counter (so a stale loop from a replaced tab doesn't terminate a stream
// a newer loop is already feeding) and the collaborators a tab replacement
// needs to rebuild a segmenter from a handoff snapshot.
type streamState struct {
	registry   *registry.Registry
	entry      *registry.Entry
	id         registry.StreamID
	channelKey string

	segCfg   segmenter.Config
	emitter  *hlsstore.Emitter
	logger   *slog.Logger
	replacer *capture.TabReplacer

	mu         sync.Mutex
	generation int64
}

// runFeedLoop reads boxes off src and feeds them to seg until src ends or
// errors. gen identifies which tab replacement's loop this is; onFeedEnd
// uses it to ignore a stale loop's expected end-of-stream.
func (st *streamState) runFeedLoop(src stream, seg *segmenter.Segmenter, gen int64) {
	reader := mp4box.NewReader(src)
	for {
		box, err := reader.Next()
		if err != nil {
			st.onFeedEnd(gen, err)
			return
		}
		seg.Feed(box)
	}
}

func (st *streamState) onFeedEnd(gen int64, err error) {
	st.mu.Lock()
	current := st.generation
	st.mu.Unlock()
	if gen != current {
		// A prior tab's loop ending because tab replacement closed its
		// capture stream out from under it. Expected, not a failure.
		return
	}
	if st.entry.Terminating() {
		return
	}
	if errors.Is(err, io.EOF) {
		err = errors.New("capture stream ended")
	}
	st.emitter.OnError(fmt.Errorf("feed loop ended: %w", err))
	st.registry.TerminateStream(st.id, st.channelKey, "capture stream ended")
}

// replaceTab satisfies monitor.Collaborators.ReplaceTab: it runs the tab
// replacement factory, builds a fresh segmenter from the handoff snapshot,
// installs both on the registry entry, and starts a new feed loop over the
// replacement capture stream.
func (st *streamState) replaceTab(ctx context.Context) (monitor.TabReplaceResult, error) {
	result, handoff, err := st.replacer.Replace(ctx)
	if err != nil {
		return monitor.TabReplaceResult{}, err
	}

	seg := segmenter.New(st.segCfg, &handoff, st.emitter, st.logger)
	st.entry.SwapCapture(result.Page, result.CaptureStream, result.Transcoder, seg)

	st.mu.Lock()
	st.generation++
	gen := st.generation
	st.mu.Unlock()

	go st.runFeedLoop(captureSource(result), seg, gen)

	return monitor.TabReplaceResult{Page: result.Page, Segmenter: seg}, nil
}
