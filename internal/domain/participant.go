package domain

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/google/uuid"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/validate"
)

type Status string

const (
	Online  Status = "online"
	Offline Status = "offline"
)

var palette = []string{
	"#EF4444", "#F97316", "#EAB308", "#22C55E",
	"#14B8A6", "#3B82F6", "#8B5CF6", "#EC4899",
}

var validateDisplayName = validate.Field("name",
	validate.Required(),
	validate.MaxLength(64),
	validate.Printable(),
)

var validateParticipantID = validate.Field("id",
	validate.MaxLength(128),
	validate.Slug(),
)

type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	Color       string `json:"color" validate:"omitempty,hexcolor"`
	Status      Status `json:"status"`
	// JoinSeq is the sequence number of the participant's first Join.
	JoinSeq uint64 `json:"joinSeq"`
}

func (p Participant) IsOnline() bool {
	return p.Status == Online
}

// NewParticipant validates the display attributes of a joining participant.
// An empty id gets a fresh uuid and an empty color gets one derived from the id.
func NewParticipant(id, name, color string) (Participant, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	} else if err := validateParticipantID(id); err != nil {
		return Participant{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	name = strings.TrimSpace(name)
	if err := validateDisplayName(name); err != nil {
		return Participant{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	p := Participant{
		ID:          id,
		DisplayName: name,
		Color:       strings.TrimSpace(color),
		Status:      Online,
	}
	if p.Color == "" {
		p.Color = colorFor(id)
	}

	if err := payloadValidator.Struct(p); err != nil {
		return Participant{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	return p, nil
}

func colorFor(id string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return palette[h.Sum32()%uint32(len(palette))]
}
