package exchange

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Kind distinguishes the response variants.
type Kind int

const (
	ScreenKind Kind = iota
	AckKind
	HealthKind
)

func (k Kind) String() string {
	switch k {
	case AckKind:
		return "ack"
	case HealthKind:
		return "health"
	default:
		return "screen"
	}
}

// Response is exactly one of: a screen with data, an acknowledgement of a
// client error notification, or a health answer to PING.
type Response struct {
	Screen string         `json:"screen,omitempty"`
	Data   map[string]any `json:"data"`
	kind   Kind
}

// Screen builds a screen response. A nil data map is sent as {}.
func Screen(id string, data map[string]any) Response {
	if data == nil {
		data = map[string]any{}
	}
	return Response{Screen: id, Data: data, kind: ScreenKind}
}

// Ack is the answer to ERROR_NOTIFICATION.
func Ack() Response {
	return Response{Data: map[string]any{"acknowledged": true}, kind: AckKind}
}

// Health is the answer to PING.
func Health() Response {
	return Response{Data: map[string]any{"status": "active"}, kind: HealthKind}
}

// Kind reports which variant r is.
func (r Response) Kind() Kind { return r.kind }

// ErrorMessage returns the error_message shown on the screen, if any.
func (r Response) ErrorMessage() string {
	s, _ := r.Data["error_message"].(string)
	return s
}

const responseSchemaURL = "https://dineflow.local/schemas/flow-response.schema.json"

//go:embed schema/response.schema.json
var responseSchemaJSON string

var (
	responseSchemaOnce sync.Once
	responseSchema     *jsonschema.Schema
	responseSchemaErr  error
)

func compiledResponseSchema() (*jsonschema.Schema, error) {
	responseSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(responseSchemaURL, strings.NewReader(responseSchemaJSON)); err != nil {
			responseSchemaErr = fmt.Errorf("response schema load failed: %w", err)
			return
		}
		responseSchema, responseSchemaErr = c.Compile(responseSchemaURL)
		if responseSchemaErr != nil {
			responseSchemaErr = fmt.Errorf("response schema compile failed: %w", responseSchemaErr)
		}
	})
	return responseSchema, responseSchemaErr
}

// ValidateResponse checks the wire shape of r before it is encrypted.
func ValidateResponse(r Response) error {
	schema, err := compiledResponseSchema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("response marshal failed: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("response unmarshal failed: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("response schema validation failed: %w", err)
	}
	return nil
}
