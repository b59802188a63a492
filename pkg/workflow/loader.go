// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/teradata-labs/hive/pkg/types"
)

// definitionSchema is the structural contract for workflow definitions
// supplied as documents. Semantic checks (reachability, cycles, config
// completeness) happen afterwards in ValidateDefinition.
const definitionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "nodes", "edges"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string"},
    "version": {"type": "string"},
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {
            "type": "string",
            "enum": ["start", "end", "task", "decision", "parallel", "loop",
                     "humanTask", "timer", "event", "subworkflow",
                     "transform", "aggregate", "custom"]
          },
          "name": {"type": "string"},
          "config": {"type": "object"}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to"],
        "properties": {
          "id": {"type": "string"},
          "from": {"type": "string", "minLength": 1},
          "to": {"type": "string", "minLength": 1},
          "condition": {"type": "object"},
          "default": {"type": "boolean"}
        }
      }
    },
    "variables": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "default": {}
        }
      }
    }
  }
}`

// LoadDefinitionJSON parses and validates a JSON workflow definition.
func LoadDefinitionJSON(data []byte) (*types.WorkflowDefinition, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(definitionSchema),
		gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidDefinition, strings.Join(msgs, "; "))
	}

	defn := &types.WorkflowDefinition{}
	if err := json.Unmarshal(data, defn); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if err := ValidateDefinition(defn); err != nil {
		return nil, err
	}
	return defn, nil
}

// LoadDefinitionYAML parses and validates a YAML workflow definition by
// converting it to JSON and running it through the same schema.
func LoadDefinitionYAML(data []byte) (*types.WorkflowDefinition, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	jsonData, err := json.Marshal(normalizeYAML(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return LoadDefinitionJSON(jsonData)
}

// normalizeYAML rewrites map[interface{}]interface{} trees into
// map[string]interface{} so the document marshals to JSON.
func normalizeYAML(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(val)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}
