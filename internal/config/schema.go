package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// configSchema rejects typo'd keys and out-of-range values before the
// typed unmarshal runs, so a bad config fails loudly at startup instead
// of silently falling back to defaults.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "log_level": {"type": "string", "enum": ["debug", "info", "warn", "warning", "error"]},
    "gateway": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "bind_addr": {"type": "string"},
        "auth_token": {"type": "string"},
        "max_sessions": {"type": "integer", "minimum": 1},
        "allow_origins": {"type": "array", "items": {"type": "string"}},
        "idle_sweep_minutes": {"type": "integer", "minimum": 1},
        "idle_threshold_minutes": {"type": "integer", "minimum": 1}
      }
    },
    "sessions": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "unified": {"type": "boolean"},
        "history_limit": {"type": "integer", "minimum": 1, "maximum": 1000}
      }
    },
    "approvals": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "mode": {"type": "string", "enum": ["ask_always", "smart_auto", "full_auto"]},
        "timeout_seconds": {"type": "integer", "minimum": 1}
      }
    },
    "channels": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "telegram": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "enabled": {"type": "boolean"},
            "token": {"type": "string"},
            "allowed_ids": {"type": "array", "items": {"type": "integer"}}
          }
        }
      }
    },
    "client": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "server_url": {"type": "string"},
        "heartbeat_seconds": {"type": "integer", "minimum": 1},
        "reconnect": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "initial_delay_ms": {"type": "integer", "minimum": 1},
            "max_delay_ms": {"type": "integer", "minimum": 1},
            "max_attempts": {"type": "integer", "minimum": 1}
          }
        }
      }
    },
    "telemetry": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "exporter": {"type": "string", "enum": ["otlp-http", "stdout", "none"]},
        "endpoint": {"type": "string"},
        "service_name": {"type": "string"},
        "sample_rate": {"type": "number", "exclusiveMinimum": 0, "maximum": 1}
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal config schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("config.schema.json", doc); err != nil {
			schemaErr = fmt.Errorf("add config schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("config.schema.json")
	})
	return compiledSchema, schemaErr
}

// validateRaw checks the YAML document against the config schema. The
// document is round-tripped through JSON so the validator sees plain
// JSON values.
func validateRaw(yamlData []byte) error {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(yamlData, &raw); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("convert to JSON: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(jsonData)))
	if err != nil {
		return fmt.Errorf("reparse: %w", err)
	}
	sch, err := compiled()
	if err != nil {
		return err
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}
