package event

import (
	"encoding/json"
	"fmt"

	"github.com/c360/relaygate/errors"
)

// Envelope labels defined by the relay protocol. Frames are JSON arrays
// whose first element names the payload shape.
const (
	LabelEvent  = "EVENT"
	LabelReq    = "REQ"
	LabelOK     = "OK"
	LabelEOSE   = "EOSE"
	LabelNotice = "NOTICE"
	LabelClose  = "CLOSE"
	LabelClosed = "CLOSED"
)

// Envelope is one protocol frame, inbound or outbound.
type Envelope interface {
	Label() string
}

// ParseMessage decodes one inbound relay frame. Frames that are not a
// JSON array with a string label are malformed; well-formed frames with
// a label this client does not handle are a protocol mismatch, and the
// caller is expected to skip them.
func ParseMessage(data []byte) (Envelope, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, fmt.Errorf("%w: frame is not a JSON array: %v", errors.ErrMalformedFrame, err)
	}
	if len(arr) == 0 {
		return nil, fmt.Errorf("%w: empty frame", errors.ErrMalformedFrame)
	}

	var label string
	if err := json.Unmarshal(arr[0], &label); err != nil {
		return nil, fmt.Errorf("%w: frame label is not a string", errors.ErrMalformedFrame)
	}

	switch label {
	case LabelEvent:
		env := &EventEnvelope{}
		switch len(arr) {
		case 2:
			if err := json.Unmarshal(arr[1], &env.Event); err != nil {
				return nil, malformed(label, err)
			}
		case 3:
			var sub string
			if err := json.Unmarshal(arr[1], &sub); err != nil {
				return nil, malformed(label, err)
			}
			env.SubscriptionID = &sub
			if err := json.Unmarshal(arr[2], &env.Event); err != nil {
				return nil, malformed(label, err)
			}
		default:
			return nil, arity(label, len(arr))
		}
		return env, nil

	case LabelOK:
		if len(arr) < 3 {
			return nil, arity(label, len(arr))
		}
		env := &OKEnvelope{}
		if err := json.Unmarshal(arr[1], &env.EventID); err != nil {
			return nil, malformed(label, err)
		}
		if err := json.Unmarshal(arr[2], &env.OK); err != nil {
			return nil, malformed(label, err)
		}
		if len(arr) > 3 {
			if err := json.Unmarshal(arr[3], &env.Reason); err != nil {
				return nil, malformed(label, err)
			}
		}
		return env, nil

	case LabelEOSE:
		if len(arr) < 2 {
			return nil, arity(label, len(arr))
		}
		env := &EOSEEnvelope{}
		if err := json.Unmarshal(arr[1], &env.SubscriptionID); err != nil {
			return nil, malformed(label, err)
		}
		return env, nil

	case LabelNotice:
		if len(arr) < 2 {
			return nil, arity(label, len(arr))
		}
		env := &NoticeEnvelope{}
		if err := json.Unmarshal(arr[1], &env.Message); err != nil {
			return nil, malformed(label, err)
		}
		return env, nil

	case LabelClosed:
		if len(arr) < 3 {
			return nil, arity(label, len(arr))
		}
		env := &ClosedEnvelope{}
		if err := json.Unmarshal(arr[1], &env.SubscriptionID); err != nil {
			return nil, malformed(label, err)
		}
		if err := json.Unmarshal(arr[2], &env.Reason); err != nil {
			return nil, malformed(label, err)
		}
		return env, nil

	default:
		return nil, fmt.Errorf("%w: unhandled label %q", errors.ErrProtocol, label)
	}
}

func malformed(label string, err error) error {
	return fmt.Errorf("%w: bad %s frame: %v", errors.ErrMalformedFrame, label, err)
}

func arity(label string, n int) error {
	return fmt.Errorf("%w: %s frame has %d elements", errors.ErrMalformedFrame, label, n)
}

// EventEnvelope carries one event. Inbound frames from a subscription
// include the subscription ID; outbound publishes omit it.
type EventEnvelope struct {
	SubscriptionID *string
	Event          Event
}

func (e *EventEnvelope) Label() string { return LabelEvent }

func (e *EventEnvelope) MarshalJSON() ([]byte, error) {
	if e.SubscriptionID != nil {
		return json.Marshal([]any{LabelEvent, *e.SubscriptionID, &e.Event})
	}
	return json.Marshal([]any{LabelEvent, &e.Event})
}

// OKEnvelope is the relay's acceptance response to a published event.
type OKEnvelope struct {
	EventID string
	OK      bool
	Reason  string
}

func (e *OKEnvelope) Label() string { return LabelOK }

// EOSEEnvelope signals the end of stored events for a subscription.
type EOSEEnvelope struct {
	SubscriptionID string
}

func (e *EOSEEnvelope) Label() string { return LabelEOSE }

// NoticeEnvelope is a human-readable message from the relay.
type NoticeEnvelope struct {
	Message string
}

func (e *NoticeEnvelope) Label() string { return LabelNotice }

// ClosedEnvelope signals that the relay terminated a subscription.
type ClosedEnvelope struct {
	SubscriptionID string
	Reason         string
}

func (e *ClosedEnvelope) Label() string { return LabelClosed }

// ReqEnvelope opens a subscription with one or more filters.
type ReqEnvelope struct {
	SubscriptionID string
	Filters        []Filter
}

func (e *ReqEnvelope) Label() string { return LabelReq }

func (e *ReqEnvelope) MarshalJSON() ([]byte, error) {
	arr := make([]any, 0, 2+len(e.Filters))
	arr = append(arr, LabelReq, e.SubscriptionID)
	for i := range e.Filters {
		arr = append(arr, &e.Filters[i])
	}
	return json.Marshal(arr)
}

// CloseEnvelope tears down a subscription.
type CloseEnvelope struct {
	SubscriptionID string
}

func (e *CloseEnvelope) Label() string { return LabelClose }

func (e *CloseEnvelope) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{LabelClose, e.SubscriptionID})
}
