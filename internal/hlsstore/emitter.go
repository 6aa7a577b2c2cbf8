package hlsstore

import (
	"log/slog"
	"time"
)

// Emitter adapts a Store to the segmenter.Emitter interface, so a segmenter
// can write directly into its stream's store without either package
// depending on the other's internals.
type Emitter struct {
	Store  *Store
	Logger *slog.Logger
}

// OnInit implements segmenter.Emitter.
func (e *Emitter) OnInit(data []byte, version int) {
	e.Store.WriteInit(data)
	if e.Logger != nil {
		e.Logger.Debug("init segment published", "version", version, "bytes", len(data))
	}
}

// OnSegment implements segmenter.Emitter.
func (e *Emitter) OnSegment(index int, name string, data []byte, duration time.Duration) {
	e.Store.WriteSegment(name, data)
	if e.Logger != nil {
		e.Logger.Debug("segment published", "index", index, "name", name, "bytes", len(data), "duration", duration)
	}
}

// OnPlaylist implements segmenter.Emitter.
func (e *Emitter) OnPlaylist(text string) {
	e.Store.WritePlaylist(text)
}

// OnStop implements segmenter.Emitter.
func (e *Emitter) OnStop() {
	e.Store.Terminate()
}

// OnError implements segmenter.Emitter.
func (e *Emitter) OnError(err error) {
	if e.Logger != nil {
		e.Logger.Error("segmenter error", "error", err)
	}
}
