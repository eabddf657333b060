// Package models defines the core data structures for DineFlow.
//
// It includes the catalog (bars, categories, items), orders, conversation state,
// inbound chat messages and delivery receipts, which are shared across modules.
package models

import (
	"errors"
	"strings"
)

// Validation constants for input validation
const (
	// MaxMessageBodyLength defines the maximum accepted length of an inbound chat message
	MaxMessageBodyLength = 4096
)

// Error variables for better error handling and testability
var (
	ErrEmptySender      = errors.New("sender cannot be empty")
	ErrMessageTooLong   = errors.New("message body exceeds maximum length")
	ErrInvalidLatitude  = errors.New("latitude must be between -90 and 90")
	ErrInvalidLongitude = errors.New("longitude must be between -180 and 180")
)

// InboundMessage is a chat message received from a customer on any transport.
type InboundMessage struct {
	ID        string   `json:"message_id,omitempty"` // transport message id, used for dedup
	From      string   `json:"from"`
	Body      string   `json:"body"`
	Latitude  *float64 `json:"latitude,omitempty"` // set when the customer shared a location pin
	Longitude *float64 `json:"longitude,omitempty"`
	Time      int64    `json:"time"`
}

// HasLocation reports whether the message carries a location pin.
func (m InboundMessage) HasLocation() bool {
	return m.Latitude != nil && m.Longitude != nil
}

// Validate checks the message can be processed.
func (m *InboundMessage) Validate() error {
	if strings.TrimSpace(m.From) == "" {
		return ErrEmptySender
	}
	if len(m.Body) > MaxMessageBodyLength {
		return ErrMessageTooLong
	}
	if m.Latitude != nil && (*m.Latitude < -90 || *m.Latitude > 90) {
		return ErrInvalidLatitude
	}
	if m.Longitude != nil && (*m.Longitude < -180 || *m.Longitude > 180) {
		return ErrInvalidLongitude
	}
	return nil
}

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt records a delivery status change for an outbound message.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// ExchangeError is the body of a failed /exchange call. The platform only
// inspects the error code, so it is kept to a single field.
type ExchangeError struct {
	Error string `json:"error"`
}

// Exchange error codes.
const (
	ExchangeErrInvalidJSON    = "invalid_json"
	ExchangeErrInvalidPayload = "invalid_payload"
	ExchangeErrInternal       = "internal_error"
)

// WebhookReply is returned by the JSON chat webhook.
type WebhookReply struct {
	Reply     string `json:"reply"`
	State     string `json:"state"`
	Duplicate bool   `json:"duplicate,omitempty"`
}
