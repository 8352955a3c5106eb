package widget

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const messageSchemaURL = "https://sp-transaction-signing.schemas.local/widget/message.schema.json"

const messageSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "oneOf": [
    {
      "properties": {
        "type": {"const": "success"},
        "code": {"type": "string", "minLength": 1},
        "state": {"type": "string", "minLength": 1}
      },
      "required": ["code", "state"]
    },
    {
      "properties": {
        "type": {"const": "error"},
        "errorId": {"type": "string", "minLength": 1},
        "message": {"type": "string"}
      },
      "required": ["errorId"]
    }
  ]
}`

var compiledMessageSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(messageSchemaURL, strings.NewReader(messageSchema)); err != nil {
		return nil, fmt.Errorf("failed to load widget schema: %w", err)
	}
	return c.Compile(messageSchemaURL)
})

type wireMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	State   string `json:"state"`
	ErrorID string `json:"errorId"`
	Message string `json:"message"`
}

// ParseMessage validates a JSON message posted by the widget and converts it
// into a Signal. Unknown shapes are rejected; no untyped map leaves this
// function.
func ParseMessage(data []byte) (Signal, error) {
	schema, err := compiledMessageSchema()
	if err != nil {
		return nil, err
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("widget message: %w", err)
	}
	if err := schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("widget message: schema validation failed: %w", err)
	}

	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("widget message: %w", err)
	}
	switch msg.Type {
	case "success":
		return Success{Code: msg.Code, State: msg.State}, nil
	case "error":
		return Failure{ErrorID: msg.ErrorID, Message: msg.Message}, nil
	}
	return nil, fmt.Errorf("widget message: unknown type %q", msg.Type)
}

// MessageSignal is ParseMessage for callers that must always produce a
// signal: invalid messages become a MALFORMED_MESSAGE Failure.
func MessageSignal(data []byte) Signal {
	sig, err := ParseMessage(data)
	if err != nil {
		return Failure{ErrorID: ErrorMalformedMessage, Message: err.Error()}
	}
	return sig
}
