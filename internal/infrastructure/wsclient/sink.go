package wsclient

import "github.com/studiocdz/collaborative-editor/internal/infrastructure/ws"

// RenderingSink receives server frames in session order. Render is called
// from a single goroutine; replayed frames carry Replay=true and are framed by
// replay_start and replay_end. After a welcome with Resumed=false the burst
// restates visible state, so the sink should discard what it rendered before.
// Such a burst may open with the joins of participants whose later events it
// contains; their seqs are below replay_start's FromSeq.
type RenderingSink interface {
	Render(msg ws.WSMessage)
}

// RenderFunc adapts a function to a RenderingSink.
type RenderFunc func(msg ws.WSMessage)

func (f RenderFunc) Render(msg ws.WSMessage) {
	f(msg)
}
