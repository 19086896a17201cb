// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tombee/tabconductor/internal/store"
)

var (
	// ErrInvalidMessage is returned when a message cannot be parsed.
	ErrInvalidMessage = errors.New("rpc: invalid message format")

	// ErrMissingRequestID is returned when a request message lacks a requestId.
	ErrMissingRequestID = errors.New("rpc: missing requestId")

	// ErrMethodNotFound is returned when the requested method doesn't exist.
	ErrMethodNotFound = errors.New("rpc: method not found")
)

// MessageType identifies the shape of an RPC frame.
type MessageType string

const (
	// MessageTypeRequest is a request from client to server.
	MessageTypeRequest MessageType = "request"

	// MessageTypeResponse is a response from server to client, carrying
	// either Result (Ok true) or Error (Ok false).
	MessageTypeResponse MessageType = "response"

	// MessageTypeEvent is a server-pushed RunEvent to a subscribed client.
	MessageTypeEvent MessageType = "event"

	// MessageTypeSubscribeAck acknowledges a subscribe request, echoing
	// the runId subscribed to (empty for a wildcard subscription).
	MessageTypeSubscribeAck MessageType = "subscribeAck"
)

// Message is the wire frame for every direction of traffic on the RPC
// channel. Fields are tagged to match the wire format exactly; unused fields
// for a given Type are omitted from the wire encoding.
type Message struct {
	Type MessageType `json:"type"`

	// RequestID links a response (and any events it implicitly permits)
	// back to the request that produced it. Required on request and
	// response frames; absent on event and subscribeAck frames, which are
	// unsolicited server pushes.
	RequestID string `json:"requestId,omitempty"`

	// Method is the RPC method to invoke (request only).
	Method string `json:"method,omitempty"`

	// Params contains method parameters (request only).
	Params json.RawMessage `json:"params,omitempty"`

	// Ok distinguishes a success response from a failure response.
	// Present only on response frames.
	Ok *bool `json:"ok,omitempty"`

	// Result contains the response payload when Ok is true.
	Result json.RawMessage `json:"result,omitempty"`

	// Error contains the response payload when Ok is false.
	Error *ErrorResponse `json:"error,omitempty"`

	// Event carries a pushed RunEvent (event frames only).
	Event *store.RunEvent `json:"event,omitempty"`

	// RunID carries the subscribed run id (subscribeAck only); empty
	// means the client subscribed to every run.
	RunID string `json:"runId,omitempty"`
}

// ErrorResponse is the {code, message, data?} shape an RPC failure carries
// every error bucket to carry on the wire.
type ErrorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// NewRequest creates a new request message with a generated requestId.
func NewRequest(method string, params interface{}) (*Message, error) {
	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		paramsJSON = data
	}

	return &Message{
		Type:      MessageTypeRequest,
		RequestID: uuid.New().String(),
		Method:    method,
		Params:    paramsJSON,
	}, nil
}

// NewResponse creates a success response for requestID.
func NewResponse(requestID string, result interface{}) (*Message, error) {
	var resultJSON json.RawMessage
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		resultJSON = data
	}

	ok := true
	return &Message{
		Type:      MessageTypeResponse,
		RequestID: requestID,
		Ok:        &ok,
		Result:    resultJSON,
	}, nil
}

// NewErrorResponse creates a failure response for requestID.
func NewErrorResponse(requestID, code, message string, data map[string]interface{}) *Message {
	ok := false
	return &Message{
		Type:      MessageTypeResponse,
		RequestID: requestID,
		Ok:        &ok,
		Error: &ErrorResponse{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// NewEventMessage wraps e as a server-pushed event frame.
func NewEventMessage(e *store.RunEvent) *Message {
	return &Message{Type: MessageTypeEvent, Event: e}
}

// NewSubscribeAck acknowledges a subscribe request for runID (empty for
// a wildcard subscription).
func NewSubscribeAck(runID string) *Message {
	return &Message{Type: MessageTypeSubscribeAck, RunID: runID}
}

// Validate checks that m carries the fields its Type requires.
func (m *Message) Validate() error {
	switch m.Type {
	case MessageTypeRequest:
		if m.RequestID == "" {
			return ErrMissingRequestID
		}
		if m.Method == "" {
			return fmt.Errorf("%w: missing method", ErrInvalidMessage)
		}
	case MessageTypeResponse:
		if m.RequestID == "" {
			return ErrMissingRequestID
		}
		if m.Ok == nil {
			return fmt.Errorf("%w: missing ok", ErrInvalidMessage)
		}
	case MessageTypeEvent:
		if m.Event == nil {
			return fmt.Errorf("%w: missing event", ErrInvalidMessage)
		}
	case MessageTypeSubscribeAck:
		// RunID empty is valid (wildcard subscription).
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, m.Type)
	}

	return nil
}

// UnmarshalParams unmarshals the params field into v.
func (m *Message) UnmarshalParams(v interface{}) error {
	if m.Params == nil {
		return nil
	}
	return json.Unmarshal(m.Params, v)
}

// UnmarshalResult unmarshals the result field into v.
func (m *Message) UnmarshalResult(v interface{}) error {
	if m.Result == nil {
		return nil
	}
	return json.Unmarshal(m.Result, v)
}

// Marshal encodes the message to JSON.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses and validates a JSON-encoded frame.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	return &msg, nil
}
