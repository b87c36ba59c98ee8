package ws

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/studiocdz/collaborative-editor/internal/domain"
)

// Command is a decoded client frame, ready for the session.
type Command struct {
	Kind      domain.EventKind
	Join      *JoinRequest
	Draw      *domain.DrawPoint
	Chat      *domain.ChatMessage
	FileShare bool
}

type JoinRequest struct {
	ID      string
	Name    string
	Color   string
	Resume  bool
	LastSeq uint64
	// Hinted is set when ID came from the upgrade request, not the frame.
	Hinted bool
}

// DecodeInbound parses one client frame. Every failure wraps
// domain.ErrMalformedPayload.
func DecodeInbound(raw []byte) (Command, error) {
	var f InboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Command{}, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}

	switch f.Type {
	case InJoin, InJoinAlias:
		p := f.Participant
		if p == nil {
			p = f.User
		}
		if p == nil {
			return Command{}, fmt.Errorf("%w: join without participant", domain.ErrMalformedPayload)
		}
		return Command{
			Kind: domain.KindJoin,
			Join: &JoinRequest{
				ID:      p.ID,
				Name:    p.Name,
				Color:   p.Color,
				Resume:  f.Resume,
				LastSeq: f.LastSeq,
			},
		}, nil

	case InLeave, InLeaveAlias:
		return Command{Kind: domain.KindLeave}, nil

	case InDraw, InDrawAlias:
		if f.Point == nil {
			return Command{}, fmt.Errorf("%w: draw without point", domain.ErrMalformedPayload)
		}
		point := f.Point.toDomain()
		return Command{Kind: domain.KindDraw, Draw: &point}, nil

	case InChat, InFileShare:
		if f.Message == nil {
			return Command{}, fmt.Errorf("%w: %s without message", domain.ErrMalformedPayload, f.Type)
		}
		msg := f.Message.toDomain()
		return Command{Kind: domain.KindChat, Chat: &msg, FileShare: f.Type == InFileShare}, nil

	case InClear, InClearAlias:
		return Command{Kind: domain.KindClear}, nil

	default:
		return Command{}, fmt.Errorf("%w: unknown frame type %q", domain.ErrMalformedPayload, f.Type)
	}
}

// EventMessage renders a logged event as the frame clients receive.
func EventMessage(ev domain.SessionEvent, users []UserPayload, replay bool) *WSMessage {
	var msg *WSMessage

	switch ev.Kind {
	case domain.KindJoin:
		msg = NewUsersUpdate(ev.Seq, users, ev.Join)
	case domain.KindLeave:
		changed := domain.Participant{ID: ev.ParticipantID, Status: domain.Offline}
		for _, u := range users {
			if u.ID == ev.ParticipantID {
				changed.DisplayName, changed.Color = u.Name, u.Color
			}
		}
		msg = NewUsersUpdate(ev.Seq, users, &changed)
	case domain.KindDraw:
		msg = &WSMessage{Type: DrawingUpdate, Seq: ev.Seq, Point: NewPointPayload(*ev.Draw)}
	case domain.KindChat:
		msgType := ChatMessage
		if ev.Chat.IsFile() {
			msgType = FileUpload
		}
		msg = &WSMessage{Type: msgType, Seq: ev.Seq, Message: NewMessagePayload(*ev.Chat)}
	case domain.KindClear:
		msg = &WSMessage{Type: CanvasClear, Seq: ev.Seq}
	default:
		msg = &WSMessage{Type: ErrorEvent, Seq: ev.Seq, Code: domain.CodeInternal}
	}

	msg.Replay = replay
	return msg
}

// ReplayMessage renders ev inside a replay burst. The roster only resolves
// display names: a replayed users_update carries no user list, since the
// list at that seq is not kept and replay_start already has the current one.
func ReplayMessage(ev domain.SessionEvent, roster []UserPayload) *WSMessage {
	msg := EventMessage(ev, roster, true)
	msg.Users = nil
	return msg
}

func prepare(msg *WSMessage) (*websocket.PreparedMessage, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return websocket.NewPreparedMessage(websocket.TextMessage, data)
}
