// Package protocol defines the shapes firewatch exposes to operators:
// status values, error codes, bus event names and the JSON frames printed
// by the CLI.
package protocol

// Version of the JSON output format.
const ProtocolVersion = 1

// Frame types
const (
	FrameTypeResult = "res"
	FrameTypeEvent  = "event"
)

// ResultFrame is the JSON form of a control operation's outcome.
type ResultFrame struct {
	Type    string      `json:"type"` // always "res"
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorShape `json:"error,omitempty"`
}

// ErrorShape describes a failed operation.
type ErrorShape struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// EventFrame is one bus notice, as streamed by `serve --events`.
type EventFrame struct {
	Type    string      `json:"type"` // always "event"
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
	Seq     int64       `json:"seq"`
}

// NewOKResult creates a success frame.
func NewOKResult(payload interface{}) *ResultFrame {
	return &ResultFrame{Type: FrameTypeResult, OK: true, Payload: payload}
}

// NewErrorResult creates a failure frame. UNAVAILABLE is marked retryable.
func NewErrorResult(code, message string) *ResultFrame {
	return &ResultFrame{
		Type: FrameTypeResult,
		Error: &ErrorShape{
			Code:      code,
			Message:   message,
			Retryable: code == ErrUnavailable,
		},
	}
}

// NewEvent creates an event frame.
func NewEvent(event string, payload interface{}, seq int64) *EventFrame {
	return &EventFrame{Type: FrameTypeEvent, Event: event, Payload: payload, Seq: seq}
}
