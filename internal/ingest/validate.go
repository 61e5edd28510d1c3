package ingest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// packetEventSchema is the built-in JSON Schema for inbound packet
// events, used when no schema file is deployed alongside the binary.
const packetEventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "PacketEvent",
  "type": "object",
  "required": ["src_addr", "dst_addr", "proto"],
  "properties": {
    "timestamp": {"type": "string", "format": "date-time"},
    "src_addr": {"type": "string", "minLength": 1},
    "dst_addr": {"type": "string", "minLength": 1},
    "src_port": {"type": "integer", "minimum": 0, "maximum": 65535},
    "dst_port": {"type": "integer", "minimum": 0, "maximum": 65535},
    "proto": {"type": "integer", "minimum": 1, "maximum": 255},
    "bytes": {"type": "integer", "minimum": 0},
    "tcp_flags": {"type": "integer", "minimum": 0, "maximum": 255},
    "seq": {"type": "integer", "minimum": 0},
    "has_seq": {"type": "boolean"},
    "src_labels": {"type": "array", "items": {"type": "string"}},
    "dst_labels": {"type": "array", "items": {"type": "string"}}
  },
  "additionalProperties": false
}`

// SchemaValidator validates inbound packet event payloads before they
// reach the flow tracker.
type SchemaValidator struct {
	schema *jsonschema.Schema
	logger *slog.Logger
}

// NewSchemaValidator compiles the schema, preferring an on-disk file
// when present so deployments can tighten the contract without a
// rebuild.
func NewSchemaValidator(schemaPath string, logger *slog.Logger) (*SchemaValidator, error) {
	schemaText := packetEventSchema
	source := "builtin"
	if schemaPath != "" {
		if data, err := os.ReadFile(schemaPath); err == nil {
			schemaText = string(data)
			source = schemaPath
		}
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("packet_event.json", strings.NewReader(schemaText)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := compiler.Compile("packet_event.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile packet event schema: %w", err)
	}

	logger.Info("Packet event schema validator initialized", "schema", source)
	return &SchemaValidator{schema: schema, logger: logger}, nil
}

// Validate checks a raw payload against the schema.
func (v *SchemaValidator) Validate(data []byte) error {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
