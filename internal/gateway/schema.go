package gateway

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// sendParamsSchema describes message/send and message/stream params.
const sendParamsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["message"],
  "properties": {
    "message": {
      "type": "object",
      "required": ["role", "parts"],
      "properties": {
        "kind": {"const": "message"},
        "messageId": {"type": "string"},
        "contextId": {"type": "string"},
        "taskId": {"type": "string"},
        "role": {"enum": ["user", "agent"]},
        "parts": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "object",
            "required": ["kind"],
            "properties": {
              "kind": {"enum": ["text", "data"]},
              "text": {"type": "string"},
              "data": {"type": "object"},
              "metadata": {"type": "object"}
            },
            "allOf": [
              {"if": {"properties": {"kind": {"const": "text"}}}, "then": {"required": ["text"]}},
              {"if": {"properties": {"kind": {"const": "data"}}}, "then": {"required": ["data"]}}
            ]
          }
        },
        "metadata": {"type": "object"}
      }
    },
    "configuration": {
      "type": "object",
      "properties": {
        "historyLength": {"type": "integer", "minimum": 0},
        "blocking": {"type": "boolean"},
        "acceptedOutputModes": {"type": "array", "items": {"type": "string"}},
        "pushNotificationConfig": {
          "type": "object",
          "required": ["url"],
          "properties": {
            "url": {"type": "string", "minLength": 1},
            "token": {"type": "string"}
          }
        }
      }
    },
    "metadata": {"type": "object"}
  }
}`

func compileSendSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(sendParamsSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal params schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("message-send-params.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("message-send-params.json")
	if err != nil {
		return nil, fmt.Errorf("compile params schema: %w", err)
	}
	return schema, nil
}

// validateSendParams checks raw against the message/send params schema.
func (s *Server) validateSendParams(raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("params are required")
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("params are not valid JSON: %w", err)
	}
	return s.sendSchema.Validate(doc)
}
