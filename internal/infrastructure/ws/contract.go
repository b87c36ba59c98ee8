package ws

import "github.com/studiocdz/collaborative-editor/internal/domain"

// WSMessage is every server -> client frame. Only the fields relevant to Type
// are populated.
type WSMessage struct {
	Type        string          `json:"type"`
	SessionID   string          `json:"sessionId,omitempty"`
	Epoch       string          `json:"epoch,omitempty"`
	Resumed     bool            `json:"resumed,omitempty"`
	Seq         uint64          `json:"seq,omitempty"`
	Replay      bool            `json:"replay,omitempty"`
	Users       []UserPayload   `json:"users,omitempty"`
	Participant *UserPayload    `json:"participant,omitempty"`
	Point       *PointPayload   `json:"point,omitempty"`
	Message     *MessagePayload `json:"message,omitempty"`
	FromSeq     uint64          `json:"fromSeq,omitempty"`
	ToSeq       uint64          `json:"toSeq,omitempty"`
	Code        string          `json:"code,omitempty"`
	Error       string          `json:"error,omitempty"`
	Retry       bool            `json:"retry,omitempty"`
}

// InboundFrame is every client -> server frame.
type InboundFrame struct {
	Type        string          `json:"type"`
	Participant *UserPayload    `json:"participant,omitempty"`
	User        *UserPayload    `json:"user,omitempty"`
	Resume      bool            `json:"resume,omitempty"`
	LastSeq     uint64          `json:"lastSeq,omitempty"`
	Point       *PointPayload   `json:"point,omitempty"`
	Message     *MessagePayload `json:"message,omitempty"`
}

type UserPayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Color    string `json:"color"`
	IsOnline bool   `json:"isOnline"`
}

type PointPayload struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Color     string  `json:"color"`
	Size      float64 `json:"size"`
	Tool      string  `json:"tool"`
	UserID    string  `json:"userId"`
	Timestamp int64   `json:"timestamp"`
}

type MessagePayload struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Message   string `json:"message,omitempty"`
	FileURL   string `json:"fileUrl,omitempty"`
	FileName  string `json:"fileName,omitempty"`
	FileType  string `json:"fileType,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func NewUserPayload(p domain.Participant) UserPayload {
	return UserPayload{
		ID:       p.ID,
		Name:     p.DisplayName,
		Color:    p.Color,
		IsOnline: p.IsOnline(),
	}
}

func NewUserList(participants []domain.Participant) []UserPayload {
	users := make([]UserPayload, 0, len(participants))
	for _, p := range participants {
		users = append(users, NewUserPayload(p))
	}
	return users
}

func NewPointPayload(p domain.DrawPoint) *PointPayload {
	return &PointPayload{
		X:         p.X,
		Y:         p.Y,
		Color:     p.Color,
		Size:      p.Size,
		Tool:      string(p.Tool),
		UserID:    p.ParticipantID,
		Timestamp: p.Timestamp,
	}
}

func (p *PointPayload) toDomain() domain.DrawPoint {
	return domain.DrawPoint{
		ParticipantID: p.UserID,
		X:             p.X,
		Y:             p.Y,
		Color:         p.Color,
		Size:          p.Size,
		Tool:          domain.Tool(p.Tool),
		Timestamp:     p.Timestamp,
	}
}

func NewMessagePayload(m domain.ChatMessage) *MessagePayload {
	out := &MessagePayload{
		ID:        m.ID,
		UserID:    m.ParticipantID,
		UserName:  m.ParticipantName,
		Message:   m.Text,
		Timestamp: m.Timestamp,
	}
	if m.File != nil {
		out.FileURL = m.File.ContentLocator
		out.FileName = m.File.FileName
		out.FileType = m.File.MimeType
	}
	return out
}

func (m *MessagePayload) toDomain() domain.ChatMessage {
	out := domain.ChatMessage{
		ID:              m.ID,
		ParticipantID:   m.UserID,
		ParticipantName: m.UserName,
		Text:            m.Message,
		Timestamp:       m.Timestamp,
	}
	if m.FileURL != "" || m.FileName != "" || m.FileType != "" {
		out.File = &domain.FileRef{
			FileName:       m.FileName,
			MimeType:       m.FileType,
			ContentLocator: m.FileURL,
		}
	}
	return out
}

func NewUsersUpdate(seq uint64, users []UserPayload, changed *domain.Participant) *WSMessage {
	msg := &WSMessage{
		Type:  UsersUpdate,
		Seq:   seq,
		Users: users,
	}
	if changed != nil {
		p := NewUserPayload(*changed)
		msg.Participant = &p
	}
	return msg
}

// NewWelcome opens a replay burst. Resumed reports whether the join continued
// an existing presence; a fresh join restates visible state from scratch.
func NewWelcome(sessionID, epoch string, p domain.Participant, seq uint64, resumed bool) *WSMessage {
	payload := NewUserPayload(p)
	return &WSMessage{
		Type:        Welcome,
		SessionID:   sessionID,
		Epoch:       epoch,
		Resumed:     resumed,
		Seq:         seq,
		Participant: &payload,
	}
}

func NewReplayStart(from, to uint64, users []UserPayload) *WSMessage {
	return &WSMessage{
		Type:    ReplayStart,
		FromSeq: from,
		ToSeq:   to,
		Users:   users,
	}
}

func NewReplayEnd(seq uint64) *WSMessage {
	return &WSMessage{
		Type: ReplayEnd,
		Seq:  seq,
	}
}

func NewError(err error) *WSMessage {
	return &WSMessage{
		Type:  ErrorEvent,
		Code:  domain.RejectReason(err),
		Error: err.Error(),
		Retry: false,
	}
}

func NewRateLimited(retry bool) *WSMessage {
	return &WSMessage{
		Type:  ErrorEvent,
		Code:  domain.CodeRateLimited,
		Error: domain.ErrRateLimited.Error(),
		Retry: retry,
	}
}
