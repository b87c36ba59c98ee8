package contracts

// AmqpMessage is the message structure for AMQP.
type AmqpMessage struct {
	OwnerID string `json:"ownerId"`
	Data    []byte `json:"data"`
}

// Routing keys - using consistent event/command patterns
const (
	EventParticipantJoined = "session.participant.joined"
	EventParticipantLeft   = "session.participant.left"
	EventCanvasCleared     = "session.canvas.cleared"
	EventFileShared        = "session.file.shared"
	EventSessionClosed     = "session.closed"
)

// AuditRoutingKeys are bound to the audit queue.
var AuditRoutingKeys = []string{
	EventParticipantJoined,
	EventParticipantLeft,
	EventCanvasCleared,
	EventFileShared,
	EventSessionClosed,
}
