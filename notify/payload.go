package notify

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type enumerates notification kinds. Each Type has exactly one payload
// struct.
type Type string

const (
	TypeMessageSent              Type = "message_sent"
	TypeAppointmentCreated       Type = "appointment_created"
	TypeAppointmentStatusChanged Type = "appointment_status_changed"
	TypeInquiryCreated           Type = "inquiry_created"
	TypeInquiryResponded         Type = "inquiry_responded"
	TypePriceDropped             Type = "price_dropped"
	TypeSystemAlert              Type = "system_alert"
)

// Types lists every notification type in declaration order.
func Types() []Type {
	return []Type{
		TypeMessageSent,
		TypeAppointmentCreated,
		TypeAppointmentStatusChanged,
		TypeInquiryCreated,
		TypeInquiryResponded,
		TypePriceDropped,
		TypeSystemAlert,
	}
}

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	_, ok := payloadFactories[t]
	return ok
}

// Payload is the type-specific body of a notification. The interface is
// sealed: only the payload structs of this package implement it.
type Payload interface {
	Type() Type
	isPayload()
}

// MessageSent tells a participant that the counterpart wrote in a
// conversation.
type MessageSent struct {
	ConversationID string `json:"conversationId" validate:"required"`
	MessageID      string `json:"messageId" validate:"required"`
	SenderID       string `json:"senderId" validate:"required"`
	Preview        string `json:"preview" validate:"max=160"`
}

// AppointmentCreated tells a listing owner that a viewing was requested.
type AppointmentCreated struct {
	AppointmentID string    `json:"appointmentId" validate:"required"`
	PropertyID    string    `json:"propertyId" validate:"required"`
	RequesterID   string    `json:"requesterId" validate:"required"`
	ScheduledAt   time.Time `json:"scheduledAt" validate:"required"`
}

// AppointmentStatusChanged tells the requester that a viewing moved state.
type AppointmentStatusChanged struct {
	AppointmentID string    `json:"appointmentId" validate:"required"`
	PropertyID    string    `json:"propertyId" validate:"required"`
	Status        string    `json:"status" validate:"required,oneof=confirmed declined cancelled rescheduled completed" jsonschema:"enum=confirmed,enum=declined,enum=cancelled,enum=rescheduled,enum=completed"`
	ScheduledAt   time.Time `json:"scheduledAt" validate:"required"`
}

// InquiryCreated tells a listing owner about a new inquiry.
type InquiryCreated struct {
	InquiryID  string `json:"inquiryId" validate:"required"`
	PropertyID string `json:"propertyId" validate:"required"`
	InquirerID string `json:"inquirerId" validate:"required"`
	Message    string `json:"message" validate:"max=2000"`
}

// InquiryResponded tells the inquirer the owner answered.
type InquiryResponded struct {
	InquiryID   string `json:"inquiryId" validate:"required"`
	PropertyID  string `json:"propertyId" validate:"required"`
	ResponderID string `json:"responderId" validate:"required"`
	Response    string `json:"response" validate:"max=2000"`
}

// PriceDropped tells watchers of a listing that its asking price fell.
// Prices are in minor currency units.
type PriceDropped struct {
	PropertyID string `json:"propertyId" validate:"required"`
	OldPrice   int64  `json:"oldPrice" validate:"gt=0"`
	NewPrice   int64  `json:"newPrice" validate:"gt=0,ltfield=OldPrice"`
	Currency   string `json:"currency" validate:"required,len=3"`
}

// SystemAlert is an operator-issued message.
type SystemAlert struct {
	Title    string `json:"title" validate:"required,max=200"`
	Body     string `json:"body" validate:"max=2000"`
	Severity string `json:"severity" validate:"required,oneof=info warning critical" jsonschema:"enum=info,enum=warning,enum=critical"`
}

func (MessageSent) Type() Type              { return TypeMessageSent }
func (AppointmentCreated) Type() Type       { return TypeAppointmentCreated }
func (AppointmentStatusChanged) Type() Type { return TypeAppointmentStatusChanged }
func (InquiryCreated) Type() Type           { return TypeInquiryCreated }
func (InquiryResponded) Type() Type         { return TypeInquiryResponded }
func (PriceDropped) Type() Type             { return TypePriceDropped }
func (SystemAlert) Type() Type              { return TypeSystemAlert }

func (MessageSent) isPayload()              {}
func (AppointmentCreated) isPayload()       {}
func (AppointmentStatusChanged) isPayload() {}
func (InquiryCreated) isPayload()           {}
func (InquiryResponded) isPayload()         {}
func (PriceDropped) isPayload()             {}
func (SystemAlert) isPayload()              {}

var payloadFactories = map[Type]func() Payload{
	TypeMessageSent:              func() Payload { return &MessageSent{} },
	TypeAppointmentCreated:       func() Payload { return &AppointmentCreated{} },
	TypeAppointmentStatusChanged: func() Payload { return &AppointmentStatusChanged{} },
	TypeInquiryCreated:           func() Payload { return &InquiryCreated{} },
	TypeInquiryResponded:         func() Payload { return &InquiryResponded{} },
	TypePriceDropped:             func() Payload { return &PriceDropped{} },
	TypeSystemAlert:              func() Payload { return &SystemAlert{} },
}

// DecodePayload parses raw as the payload struct registered for t.
func DecodePayload(t Type, raw json.RawMessage) (Payload, error) {
	factory, ok := payloadFactories[t]
	if !ok {
		return nil, fmt.Errorf("%w: unknown notification type %q", ErrInvalidArgument, t)
	}
	ptr := factory()
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: missing payload for %s", ErrInvalidArgument, t)
	}
	if err := json.Unmarshal(raw, ptr); err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %w", ErrInvalidArgument, t, err)
	}
	return deref(ptr), nil
}

// deref turns the *T produced by a factory into the T value stored in
// records, so payload equality and type switches work on values.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *MessageSent:
		return *v
	case *AppointmentCreated:
		return *v
	case *AppointmentStatusChanged:
		return *v
	case *InquiryCreated:
		return *v
	case *InquiryResponded:
		return *v
	case *PriceDropped:
		return *v
	case *SystemAlert:
		return *v
	}
	return p
}
