package validation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// FrameType represents the kind of message crossing a socket in either
// direction. Clients send subscribe/unsubscribe/publish/ping/ack; the server
// sends event/ack/error.
type FrameType string

const (
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FramePublish     FrameType = "publish"
	FramePing        FrameType = "ping"
	FrameEvent       FrameType = "event"
	FrameAck         FrameType = "ack"
	FrameError       FrameType = "error"
	// FrameAuth carries a first-frame credential for transports that cannot
	// set upgrade headers. It is only honored before admission.
	FrameAuth FrameType = "auth"
)

// Wire limits. Oversize payloads are rejected with PAYLOAD_TOO_LARGE and
// subscription sets beyond the cap with SUBSCRIPTION_LIMIT.
const (
	MaxPayloadBytes  = 1 << 20
	MaxSubscriptions = 200
)

// Wire error codes carried in error frames.
const (
	CodeValidationError   = "VALIDATION_ERROR"
	CodeAuthFailed        = "AUTH_FAILED"
	CodeAccessDenied      = "ACCESS_DENIED"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodePayloadTooLarge   = "PAYLOAD_TOO_LARGE"
	CodeSubscriptionLimit = "SUBSCRIPTION_LIMIT"
	CodeSlowConsumer      = "SLOW_CONSUMER"
	CodeConflict          = "CONFLICT"
	CodeNotFound          = "NOT_FOUND"
	CodeTransient         = "TRANSIENT"
	CodeInternal          = "INTERNAL"
)

// channelNameRE is the tenant isolation token: every channel is rooted under
// its organization segment.
var channelNameRE = regexp.MustCompile(`^org:[A-Za-z0-9_-]+:[^\s]+$`)

// Frame is the envelope for every socket message, both directions.
type Frame struct {
	ID        string          `json:"id" validate:"required,uuid4"`
	Type      FrameType       `json:"type" validate:"required"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp" validate:"required"`
}

// SubscribeOptions carries optional replay and filtering parameters.
type SubscribeOptions struct {
	ReplayFrom  string `json:"replay_from,omitempty"`
	ReplayCount int    `json:"replay_count,omitempty" validate:"omitempty,min=1,max=1000"`
	Filter      string `json:"filter,omitempty"`
}

// SubscribePayload lists the channels a client wants delivered.
type SubscribePayload struct {
	Channels []string          `json:"channels" validate:"required,min=1,dive,required"`
	Options  *SubscribeOptions `json:"options,omitempty"`
}

// UnsubscribePayload lists channels to drop.
type UnsubscribePayload struct {
	Channels []string `json:"channels" validate:"required,min=1,dive,required"`
}

// PublishEventBody is the event a client wants appended and fanned out.
type PublishEventBody struct {
	Type     string                 `json:"type" validate:"required"`
	Payload  json.RawMessage        `json:"payload" validate:"required"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// PublishOptions tunes delivery behavior for a single publish.
type PublishOptions struct {
	DeliveryGuarantee string `json:"delivery_guarantee,omitempty" validate:"omitempty,oneof=at_least_once at_most_once"`
	PartitionKey      string `json:"partition_key,omitempty"`
	Acknowledgment    bool   `json:"acknowledgment,omitempty"`
}

// PublishPayload is the client→server publish body.
type PublishPayload struct {
	Channel string           `json:"channel" validate:"required"`
	Event   PublishEventBody `json:"event" validate:"required"`
	Options *PublishOptions  `json:"options,omitempty"`
}

// EventMetadata rides on every delivered event frame.
type EventMetadata struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	OrgID         string `json:"org_id"`
	Channel       string `json:"channel"`
	StreamEntryID string `json:"stream_entry_id"`
}

// EventPayload is the server→client delivery body.
type EventPayload struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Metadata EventMetadata   `json:"metadata"`
}

// AckPayload confirms receipt or acceptance of a frame or event.
type AckPayload struct {
	EventID string `json:"event_id" validate:"required"`
	Status  string `json:"status,omitempty"`
}

// ErrorBody is the code/message pair inside an error frame.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorPayload is the server→client error body.
type ErrorPayload struct {
	Error         ErrorBody `json:"error"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// FrameValidator performs structural and frame-type-specific validation for
// the Gateway before frames are dispatched.
type FrameValidator struct {
	validator *validator.Validate
}

// NewFrameValidator constructs a FrameValidator with standard struct validation.
func NewFrameValidator() *FrameValidator {
	return &FrameValidator{
		validator: validator.New(),
	}
}

// ValidateInbound checks a client-originated frame: envelope first, then the
// typed payload. Server-only frame types are rejected.
func (v *FrameValidator) ValidateInbound(frame *Frame) error {
	if err := v.validator.Struct(frame); err != nil {
		return fmt.Errorf("frame validation failed: %w", err)
	}

	switch frame.Type {
	case FrameSubscribe:
		_, err := v.DecodeSubscribe(frame)
		return err
	case FrameUnsubscribe:
		_, err := v.DecodeUnsubscribe(frame)
		return err
	case FramePublish:
		_, err := v.DecodePublish(frame)
		return err
	case FramePing:
		return nil
	case FrameAck:
		_, err := v.DecodeAck(frame)
		return err
	case FrameAuth:
		return fmt.Errorf("auth frames are only accepted before admission")
	case FrameEvent, FrameError:
		return fmt.Errorf("frame type %s is not accepted from clients", frame.Type)
	default:
		return fmt.Errorf("unknown frame type: %s", frame.Type)
	}
}

// DecodeSubscribe parses and validates a subscribe payload.
func (v *FrameValidator) DecodeSubscribe(frame *Frame) (*SubscribePayload, error) {
	var p SubscribePayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		return nil, fmt.Errorf("malformed subscribe payload: %w", err)
	}
	if err := v.validator.Struct(&p); err != nil {
		return nil, fmt.Errorf("subscribe validation failed: %w", err)
	}
	for _, ch := range p.Channels {
		if err := ValidateChannelName(ch); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

// DecodeUnsubscribe parses and validates an unsubscribe payload.
func (v *FrameValidator) DecodeUnsubscribe(frame *Frame) (*UnsubscribePayload, error) {
	var p UnsubscribePayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		return nil, fmt.Errorf("malformed unsubscribe payload: %w", err)
	}
	if err := v.validator.Struct(&p); err != nil {
		return nil, fmt.Errorf("unsubscribe validation failed: %w", err)
	}
	return &p, nil
}

// DecodePublish parses and validates a publish payload, including the channel
// name shape and the event payload size cap.
func (v *FrameValidator) DecodePublish(frame *Frame) (*PublishPayload, error) {
	var p PublishPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		return nil, fmt.Errorf("malformed publish payload: %w", err)
	}
	if err := v.validator.Struct(&p); err != nil {
		return nil, fmt.Errorf("publish validation failed: %w", err)
	}
	if err := ValidateChannelName(p.Channel); err != nil {
		return nil, err
	}
	if len(p.Event.Payload) > MaxPayloadBytes {
		return nil, fmt.Errorf("event payload exceeds %d bytes", MaxPayloadBytes)
	}
	return &p, nil
}

// DecodeAck parses and validates an ack payload.
func (v *FrameValidator) DecodeAck(frame *Frame) (*AckPayload, error) {
	var p AckPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		return nil, fmt.Errorf("malformed ack payload: %w", err)
	}
	if err := v.validator.Struct(&p); err != nil {
		return nil, fmt.Errorf("ack validation failed: %w", err)
	}
	return &p, nil
}

// ValidateChannelName checks the channel against the tenant-scoped shape
// org:{orgId}:{rest}.
func ValidateChannelName(name string) error {
	if !channelNameRE.MatchString(name) {
		return fmt.Errorf("invalid channel name: %s", name)
	}
	return nil
}

// ChannelOrg extracts the organization segment from a channel name.
func ChannelOrg(name string) (string, bool) {
	if !strings.HasPrefix(name, "org:") {
		return "", false
	}
	rest := name[len("org:"):]
	idx := strings.IndexByte(rest, ':')
	if idx <= 0 {
		return "", false
	}
	return rest[:idx], true
}

// ValidateChannelOwnership checks shape plus the organization prefix. Any
// mismatch is a cross-tenant access attempt.
func ValidateChannelOwnership(name, organizationID string) error {
	if err := ValidateChannelName(name); err != nil {
		return err
	}
	if !strings.HasPrefix(name, "org:"+organizationID+":") {
		return fmt.Errorf("channel %s does not belong to organization %s", name, organizationID)
	}
	return nil
}

// NewEventFrame builds an outbound event frame.
func NewEventFrame(eventType string, payload json.RawMessage, meta EventMetadata) (*Frame, error) {
	body, err := json.Marshal(EventPayload{Type: eventType, Payload: payload, Metadata: meta})
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return &Frame{
		ID:        uuid.New().String(),
		Type:      FrameEvent,
		Payload:   body,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// NewErrorFrame builds an outbound error frame. Marshal of the fixed-shape
// payload cannot fail.
func NewErrorFrame(code, message, correlationID string) *Frame {
	body, _ := json.Marshal(ErrorPayload{
		Error:         ErrorBody{Code: code, Message: message},
		CorrelationID: correlationID,
	})
	return &Frame{
		ID:        uuid.New().String(),
		Type:      FrameError,
		Payload:   body,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewAckFrame builds an outbound ack frame.
func NewAckFrame(eventID, status string) *Frame {
	body, _ := json.Marshal(AckPayload{EventID: eventID, Status: status})
	return &Frame{
		ID:        uuid.New().String(),
		Type:      FrameAck,
		Payload:   body,
		Timestamp: time.Now().UnixMilli(),
	}
}

// ToJSON serializes a frame for the wire.
func (f *Frame) ToJSON() ([]byte, error) {
	return json.Marshal(f)
}
