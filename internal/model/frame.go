package model

// DoneSentinel is the payload of the terminal SSE data line.
const DoneSentinel = "[DONE]"

// DataPrefix starts every SSE data line.
const DataPrefix = "data:"

// StreamFrame is one relayed SSE event. Exactly one of Text and Error is set.
type StreamFrame struct {
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// ErrorResponse is the JSON body of every non-streaming error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Public error messages. Nothing else crosses the edge boundary.
const (
	MsgForbidden          = "Forbidden"
	MsgBlocked            = "Blocked"
	MsgNotFound           = "Not found"
	MsgInvalidBody        = "Invalid request body"
	MsgTooManyTurns       = "Conversation too long. Please start a new chat."
	MsgInvalidFormat      = "Invalid message format"
	MsgInvalidRole        = "Invalid message role"
	MsgTooLong            = "Message too long"
	MsgTooManyRequests    = "Too many requests. Please wait a moment."
	MsgUpstreamBusy       = "The assistant is busy right now. Please try again in a minute."
	MsgServiceUnavailable = "AI service unavailable"
	MsgStreamInterrupted  = "Stream interrupted"
	MsgStreamTimeout      = "Response timed out"
	MsgInternal           = "Internal server error"
)
