package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/studiocdz/collaborative-editor/internal/domain"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/ws"
)

// printer renders session frames as text lines. It is the terminal's
// rendering sink.
type printer struct {
	mu    sync.Mutex
	w     io.Writer
	names map[string]string
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, names: make(map[string]string)}
}

func (p *printer) linef(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) status(to domain.ConnState) {
	switch to {
	case domain.Reconnecting:
		p.linef("~ connection lost, reconnecting")
	case domain.Open:
		p.linef("~ connected")
	}
}

func (p *printer) name(id string) string {
	if n, ok := p.names[id]; ok && n != "" {
		return n
	}
	return id
}

func (p *printer) Render(msg ws.WSMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, u := range msg.Users {
		p.names[u.ID] = u.Name
	}

	prefix := fmt.Sprintf("%5d ", msg.Seq)
	if msg.Replay {
		prefix = fmt.Sprintf("%5d*", msg.Seq)
	}

	switch msg.Type {
	case ws.ReplayStart:
		fmt.Fprintf(p.w, "-- replaying %d..%d --\n", msg.FromSeq, msg.ToSeq)
	case ws.ReplayEnd:
		fmt.Fprintf(p.w, "-- live at %d --\n", msg.Seq)
	case ws.UsersUpdate:
		if msg.Participant == nil {
			return
		}
		verb := "joined"
		if !msg.Participant.IsOnline {
			verb = "left"
		}
		if msg.Participant.Name != "" {
			p.names[msg.Participant.ID] = msg.Participant.Name
		}
		if msg.Users == nil {
			fmt.Fprintf(p.w, "%s%s %s\n", prefix, msg.Participant.Name, verb)
			return
		}
		fmt.Fprintf(p.w, "%s%s %s (%d online)\n", prefix, msg.Participant.Name, verb, online(msg.Users))
	case ws.DrawingUpdate:
		fmt.Fprintf(p.w, "%s%s drew %s at (%.0f, %.0f)\n", prefix, p.name(msg.Point.UserID), msg.Point.Tool, msg.Point.X, msg.Point.Y)
	case ws.ChatMessage:
		at := time.UnixMilli(msg.Message.Timestamp).Format(time.TimeOnly)
		fmt.Fprintf(p.w, "%s[%s] %s: %s\n", prefix, at, msg.Message.UserName, msg.Message.Message)
	case ws.FileUpload:
		fmt.Fprintf(p.w, "%s%s shared %s (%s) %s\n", prefix, msg.Message.UserName, msg.Message.FileName, msg.Message.FileType, msg.Message.FileURL)
	case ws.CanvasClear:
		fmt.Fprintf(p.w, "%scanvas cleared\n", prefix)
	case ws.ErrorEvent:
		fmt.Fprintf(p.w, "! %s: %s\n", msg.Code, msg.Error)
	}
}

func online(users []ws.UserPayload) int {
	n := 0
	for _, u := range users {
		if u.IsOnline {
			n++
		}
	}
	return n
}
