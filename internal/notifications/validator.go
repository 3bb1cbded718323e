package notifications

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"

	"github.com/nova-social/backend/internal/errkind"
)

// pushPayload is the expected shape for ChannelPush jobs.
type pushPayload struct {
	DeviceToken string `json:"device_token" validate:"required"`
	Title       string `json:"title" validate:"required"`
	Body        string `json:"body" validate:"required"`
}

// emailPayload is the expected shape for ChannelEmail jobs.
type emailPayload struct {
	Address string `json:"address" validate:"required,email"`
	Subject string `json:"subject" validate:"required"`
	Body    string `json:"body" validate:"required"`
}

// inAppPayload is the expected shape for ChannelInApp jobs.
type inAppPayload struct {
	Message string `json:"message" validate:"required"`
}

// Validator checks a job's payload against its channel's expected shape
// before a Dispatcher attempts delivery.
type Validator struct {
	validate *validator.Validate
}

func NewValidator() *Validator {
	return &Validator{validate: validator.New()}
}

// Validate rejects malformed or incomplete payloads with errkind.Validation
// so the dispatcher can abandon them without burning a retry.
func (v *Validator) Validate(job *Job) error {
	switch job.Channel {
	case ChannelPush:
		var p pushPayload
		return v.decodeAndCheck(job.Payload, &p)
	case ChannelEmail:
		var p emailPayload
		return v.decodeAndCheck(job.Payload, &p)
	case ChannelInApp:
		var p inAppPayload
		return v.decodeAndCheck(job.Payload, &p)
	default:
		return errkind.New(errkind.Validation, "unknown notification channel: "+string(job.Channel))
	}
}

func (v *Validator) decodeAndCheck(raw json.RawMessage, target interface{}) error {
	if err := json.Unmarshal(raw, target); err != nil {
		return errkind.Wrap(errkind.Validation, "decode notification payload", err)
	}
	if err := v.validate.Struct(target); err != nil {
		return errkind.Wrap(errkind.Validation, "notification payload failed validation", err)
	}
	return nil
}
