package domain

import (
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"
)

var payloadValidator = newPayloadValidator()

func newPayloadValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("finite", func(fl validator.FieldLevel) bool {
		f := fl.Field().Float()
		return !math.IsNaN(f) && !math.IsInf(f, 0)
	})
	return v
}

// ValidateDraw normalizes and checks a draw point in place.
func ValidateDraw(p *DrawPoint) error {
	if p == nil {
		return fmt.Errorf("%w: missing point", ErrMalformedPayload)
	}
	if p.Tool == ToolEraser && p.Color == "" {
		p.Color = EraserColor
	}
	if err := payloadValidator.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

// ValidateChat enforces that exactly one of text or file reference is present.
func ValidateChat(m *ChatMessage) error {
	if m == nil {
		return fmt.Errorf("%w: missing message", ErrMalformedPayload)
	}

	hasText := strings.TrimSpace(m.Text) != ""
	hasFile := m.File != nil

	switch {
	case hasText && hasFile:
		return fmt.Errorf("%w: chat message carries both text and a file", ErrMalformedPayload)
	case !hasText && !hasFile:
		return fmt.Errorf("%w: chat message is empty", ErrMalformedPayload)
	}

	if err := payloadValidator.Struct(m); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

// ValidateFileShare is ValidateChat restricted to file references.
func ValidateFileShare(m *ChatMessage) error {
	if m != nil && m.File == nil {
		return fmt.Errorf("%w: file_share without a file reference", ErrMalformedPayload)
	}
	return ValidateChat(m)
}
