package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/tresby/prismcast/internal/segmenter"
)

// TabReplacer runs the tab replacement factory: it tears down a stream's
// current page/capture/transcoder, captures a handoff snapshot from its
// segmenter, and repeats setup steps 4-9 on a fresh page.
type TabReplacer struct {
	pipeline  *Pipeline
	req       Request
	segmenter *segmenter.Segmenter

	mu      sync.Mutex
	current *Result
}

// NewTabReplacer builds a replacer bound to a stream's setup request, its
// live segmenter, and its current capture result.
func NewTabReplacer(pipeline *Pipeline, req Request, seg *segmenter.Segmenter, initial *Result) *TabReplacer {
	return &TabReplacer{pipeline: pipeline, req: req, segmenter: seg, current: initial}
}

// Replace tears down the old tab and stands up a new one, retrying once on
// failure before surfacing an error.
func (t *TabReplacer) Replace(ctx context.Context) (*Result, segmenter.HandoffContext, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	result, handoff, err := t.replaceOnce(ctx)
	if err != nil {
		t.pipeline.Logger.Warn("tab replacement failed, retrying once", "error", err)
		result, handoff, err = t.replaceOnce(ctx)
		if err != nil {
			return nil, segmenter.HandoffContext{}, fmt.Errorf("tab replacement failed: %w", err)
		}
	}
	t.current = result
	return result, handoff, nil
}

func (t *TabReplacer) replaceOnce(ctx context.Context) (*Result, segmenter.HandoffContext, error) {
	handoff := segmenter.HandoffContext{
		InitialTrackTimestamps: t.segmenter.TrackTimestamps(),
		PreviousInitSegment:    t.segmenter.InitBytes(),
		PendingDiscontinuity:   true,
		StartingInitVersion:    t.segmenter.InitVersion(),
		StartingSegmentIndex:   t.segmenter.SegmentIndex(),
		PriorSessionStats:      t.segmenter.SessionStats(),
	}

	if t.current != nil {
		if t.current.CaptureStream != nil {
			_ = t.current.CaptureStream.Close()
		}
		if t.current.Transcoder != nil {
			_ = t.current.Transcoder.Kill()
		}
		if t.current.Page != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), pageCloseTimeout)
			_ = t.current.Page.Close(closeCtx)
			cancel()
		}
	}

	fresh, err := t.pipeline.Setup(ctx, t.req)
	if err != nil {
		return nil, segmenter.HandoffContext{}, err
	}
	return fresh, handoff, nil
}
