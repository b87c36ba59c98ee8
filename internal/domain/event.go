package domain

import (
	"fmt"
	"time"
)

type EventKind string

const (
	KindJoin  EventKind = "join"
	KindLeave EventKind = "leave"
	KindDraw  EventKind = "draw"
	KindChat  EventKind = "chat"
	KindClear EventKind = "clear"
)

type Tool string

const (
	ToolPen    Tool = "pen"
	ToolEraser Tool = "eraser"

	EraserColor = "#FFFFFF"
)

type LeaveReason string

const (
	LeaveRequested      LeaveReason = "requested"
	LeaveIdleTimeout    LeaveReason = "idle_timeout"
	LeaveConnectionLost LeaveReason = "connection_lost"
)

// SessionEvent is the only thing appended to an EventLog. Exactly one payload
// pointer is set and it always matches Kind.
type SessionEvent struct {
	Seq           uint64       `json:"seq"`
	Kind          EventKind    `json:"kind"`
	ParticipantID string       `json:"participantId,omitempty"`
	At            time.Time    `json:"at"`
	Join          *Participant `json:"join,omitempty"`
	Leave         *LeaveInfo   `json:"leave,omitempty"`
	Draw          *DrawPoint   `json:"draw,omitempty"`
	Chat          *ChatMessage `json:"chat,omitempty"`
}

type LeaveInfo struct {
	Reason LeaveReason `json:"reason"`
}

type DrawPoint struct {
	ParticipantID string  `json:"userId"`
	X             float64 `json:"x" validate:"finite"`
	Y             float64 `json:"y" validate:"finite"`
	Color         string  `json:"color" validate:"omitempty,hexcolor"`
	Size          float64 `json:"size" validate:"gt=0,lte=200"`
	Tool          Tool    `json:"tool" validate:"required,oneof=pen eraser"`
	// Timestamp is the client's clock; it is a display hint and never used for ordering.
	Timestamp int64 `json:"timestamp"`
}

type FileRef struct {
	FileName       string `json:"fileName" validate:"required,max=255"`
	MimeType       string `json:"mimeType" validate:"required,max=255"`
	ContentLocator string `json:"contentLocator" validate:"required,max=2048"`
}

type ChatMessage struct {
	ID              string   `json:"id"`
	ParticipantID   string   `json:"userId"`
	ParticipantName string   `json:"userName"`
	Text            string   `json:"message,omitempty" validate:"max=4000"`
	File            *FileRef `json:"file,omitempty"`
	Timestamp       int64    `json:"timestamp"`
}

func (m *ChatMessage) IsFile() bool {
	return m.File != nil
}

func NewJoinEvent(p Participant) SessionEvent {
	return SessionEvent{Kind: KindJoin, ParticipantID: p.ID, Join: &p}
}

func NewLeaveEvent(participantID string, reason LeaveReason) SessionEvent {
	return SessionEvent{Kind: KindLeave, ParticipantID: participantID, Leave: &LeaveInfo{Reason: reason}}
}

func NewDrawEvent(participantID string, point DrawPoint) SessionEvent {
	point.ParticipantID = participantID
	return SessionEvent{Kind: KindDraw, ParticipantID: participantID, Draw: &point}
}

func NewChatEvent(participantID string, msg ChatMessage) SessionEvent {
	msg.ParticipantID = participantID
	return SessionEvent{Kind: KindChat, ParticipantID: participantID, Chat: &msg}
}

func NewClearEvent(participantID string) SessionEvent {
	return SessionEvent{Kind: KindClear, ParticipantID: participantID}
}

// CheckShape verifies the tagged-union discipline: the payload matches Kind.
func (e SessionEvent) CheckShape() error {
	set := 0
	for _, ok := range []bool{e.Join != nil, e.Leave != nil, e.Draw != nil, e.Chat != nil} {
		if ok {
			set++
		}
	}

	var want bool
	switch e.Kind {
	case KindJoin:
		want = e.Join != nil
	case KindLeave:
		want = e.Leave != nil
	case KindDraw:
		want = e.Draw != nil
	case KindChat:
		want = e.Chat != nil
	case KindClear:
		want = set == 0
		set = 1
	default:
		return fmt.Errorf("%w: unknown event kind %q", ErrMalformedPayload, e.Kind)
	}

	if !want || set != 1 {
		return fmt.Errorf("%w: %s event carries the wrong payload", ErrMalformedPayload, e.Kind)
	}
	return nil
}
