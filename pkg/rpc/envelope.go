// Package rpc implements the request-reply layer between the gateway and
// the backend services: a correlation-tracking client on the gateway side
// and a command dispatcher on the worker side, both over the broker.
package rpc

import "encoding/json"

// Reply status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Reply error kinds produced by the layer itself. Handlers may report any
// additional kind via DomainError; these are the ones the core synthesizes
// or the gateway maps specially.
const (
	KindUnknownCommand = "unknown_command"
	KindInternalError  = "internal_error"
	KindNotFound       = "not_found"
	KindValidation     = "validation"
	KindBadRequest     = "bad_request"
	KindShutdown       = "shutdown"
)

// CommandEnvelope is the JSON wire format for commands published to a
// service command subject.
type CommandEnvelope struct {
	CorrelationID string          `json:"correlation_id"`
	Command       string          `json:"command"`
	Data          json.RawMessage `json:"data,omitempty"`
	ReplyTo       string          `json:"reply_to,omitempty"`
}

// ReplyEnvelope is the JSON wire format for replies published back to the
// caller's reply subject.
type ReplyEnvelope struct {
	CorrelationID string          `json:"correlation_id"`
	Status        string          `json:"status"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         *ErrorDetail    `json:"error,omitempty"`
}

// ErrorDetail holds structured error information carried in an error reply.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// OK returns true when the reply carries a successful payload.
func (r *ReplyEnvelope) OK() bool {
	return r.Status == StatusOK
}

// Decode unmarshals the reply payload into v. Decoding an error reply
// returns the reply error instead of touching v.
func (r *ReplyEnvelope) Decode(v interface{}) error {
	if !r.OK() {
		if r.Error != nil {
			return &DomainError{Kind: r.Error.Kind, Message: r.Error.Message}
		}
		return &DomainError{Kind: KindInternalError, Message: "error reply without detail"}
	}
	return json.Unmarshal(r.Payload, v)
}

// okReply builds a success reply for the given correlation id.
func okReply(correlationID string, payload json.RawMessage) *ReplyEnvelope {
	return &ReplyEnvelope{
		CorrelationID: correlationID,
		Status:        StatusOK,
		Payload:       payload,
	}
}

// errorReply builds an error reply for the given correlation id.
func errorReply(correlationID, kind, message string) *ReplyEnvelope {
	return &ReplyEnvelope{
		CorrelationID: correlationID,
		Status:        StatusError,
		Error:         &ErrorDetail{Kind: kind, Message: message},
	}
}
