package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Request body schemas for the REST boundary.
const (
	schemaCreateAgent = `{
  "type": "object",
  "required": ["name"],
  "properties": {
    "id": {"type": "string"},
    "name": {"type": "string", "minLength": 1},
    "project_id": {"type": "string"}
  },
  "additionalProperties": false
}`

	schemaAgentStatus = `{
  "type": "object",
  "required": ["status"],
  "properties": {
    "status": {"type": "string", "minLength": 1},
    "reason": {"type": "string"}
  },
  "additionalProperties": false
}`

	schemaCreateIssue = `{
  "type": "object",
  "required": ["title"],
  "properties": {
    "id": {"type": "string"},
    "number": {"type": "integer", "minimum": 0},
    "title": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "project_id": {"type": "string"},
    "priority": {"type": "string"}
  },
  "additionalProperties": false
}`

	schemaIssueState = `{
  "type": "object",
  "required": ["state"],
  "properties": {
    "state": {"type": "string", "minLength": 1}
  },
  "additionalProperties": false
}`

	schemaAssign = `{
  "type": "object",
  "required": ["agent_id"],
  "properties": {
    "agent_id": {"type": "string", "minLength": 1}
  },
  "additionalProperties": false
}`

	schemaBlock = `{
  "type": "object",
  "required": ["reason"],
  "properties": {
    "reason": {"type": "string"}
  },
  "additionalProperties": false
}`

	schemaAlert = `{
  "type": "object",
  "required": ["message"],
  "properties": {
    "project_id": {"type": "string"},
    "severity": {"type": "string"},
    "message": {"type": "string", "minLength": 1}
  },
  "additionalProperties": false
}`
)

// bodySchemas holds the compiled schemas keyed by name.
type bodySchemas map[string]*jsonschema.Schema

func compileSchemas() (bodySchemas, error) {
	sources := map[string]string{
		"create_agent": schemaCreateAgent,
		"agent_status": schemaAgentStatus,
		"create_issue": schemaCreateIssue,
		"issue_state":  schemaIssueState,
		"assign":       schemaAssign,
		"block":        schemaBlock,
		"alert":        schemaAlert,
	}
	out := make(bodySchemas, len(sources))
	c := jsonschema.NewCompiler()
	for name, src := range sources {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(src)))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		url := name + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
		sch, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		out[name] = sch
	}
	return out, nil
}

// decode validates body against the named schema and unmarshals it into dst.
// An empty body validates as an empty object.
func (b bodySchemas) decode(name string, body io.Reader, dst any) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	sch, ok := b[name]
	if !ok {
		return fmt.Errorf("no schema named %s", name)
	}
	if err := sch.Validate(doc); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}
