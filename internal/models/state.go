package models

import (
	"errors"
	"fmt"
	"time"
)

// StateKey names the conversation state. It decides which handler may read
// and mutate the session data next.
type StateKey string

const (
	StateAwaitingDiscoveryChoice StateKey = "awaiting_discovery_choice"
	StateAwaitingLocation        StateKey = "awaiting_location"
	StateAwaitingName            StateKey = "awaiting_name"
	StateAwaitingBarSelection    StateKey = "awaiting_bar_selection"
	StateDineReady               StateKey = "dine_ready"
	StateDineItems               StateKey = "dine_items"
	StateDineOrder               StateKey = "dine_order"
)

var (
	ErrUnknownStateKey = errors.New("unknown state key")
	ErrInvalidState    = errors.New("state data does not match state key")
)

// IsKnown reports whether k is one of the defined state keys.
func (k StateKey) IsKnown() bool {
	switch k {
	case StateAwaitingDiscoveryChoice, StateAwaitingLocation, StateAwaitingName,
		StateAwaitingBarSelection, StateDineReady, StateDineItems, StateDineOrder:
		return true
	}
	return false
}

// BarRef is a bar shown to the customer in a numbered list.
type BarRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ItemRef is a menu item shown to the customer in a numbered list.
type ItemRef struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PriceMinor int64  `json:"price_minor"`
	Currency   string `json:"currency"`
}

// SessionData is the payload stored with a conversation state. Which fields
// are meaningful depends on the state key; see Validate.
type SessionData struct {
	BarID         string            `json:"bar_id,omitempty"`
	BarName       string            `json:"bar_name,omitempty"`
	SearchResults []BarRef          `json:"search_results,omitempty"`
	MenuItems     []ItemRef         `json:"menu_items,omitempty"`
	LastOrderID   string            `json:"last_order_id,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"` // unrelated session data, kept across transitions
}

// Validate checks that d is a valid payload for key.
func (d SessionData) Validate(key StateKey) error {
	switch key {
	case StateAwaitingDiscoveryChoice, StateAwaitingLocation, StateAwaitingName:
		if d.BarID != "" {
			return fmt.Errorf("%w: %s with bound bar", ErrInvalidState, key)
		}
	case StateAwaitingBarSelection:
		if len(d.SearchResults) == 0 {
			return fmt.Errorf("%w: %s without search results", ErrInvalidState, key)
		}
	case StateDineReady:
		if d.BarID == "" {
			return fmt.Errorf("%w: %s without bar", ErrInvalidState, key)
		}
	case StateDineItems:
		if d.BarID == "" || len(d.MenuItems) == 0 {
			return fmt.Errorf("%w: %s without bar or menu", ErrInvalidState, key)
		}
	case StateDineOrder:
		if d.BarID == "" || d.LastOrderID == "" {
			return fmt.Errorf("%w: %s without bar or order", ErrInvalidState, key)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStateKey, key)
	}
	return nil
}

// ConversationState is the persisted chat state of one customer session.
type ConversationState struct {
	SessionID string      `json:"session_id"`
	Key       StateKey    `json:"state_key"`
	Data      SessionData `json:"data"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Validate checks the key is known and the data matches it.
func (s *ConversationState) Validate() error {
	if s.SessionID == "" {
		return errors.New("session id is required")
	}
	return s.Data.Validate(s.Key)
}
