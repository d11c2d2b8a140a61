package totp

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// The daemon speaks newline-delimited JSON frames over its socket. Every
// frame, inbound and outbound, is validated against a compiled schema before
// it is trusted as a typed struct.

// Operation names.
const (
	OpPing    = "ping"
	OpSetup   = "setup"
	OpVerify  = "verify"
	OpCheck   = "check"
	OpDisable = "disable"
)

// Request is one inbound frame.
type Request struct {
	Op          string `json:"op"`
	LocalUserID string `json:"localUserId,omitempty"`
	Label       string `json:"label,omitempty"`
	Code        string `json:"code,omitempty"`
}

// Response is one outbound frame.
type Response struct {
	OK           bool   `json:"ok"`
	Op           string `json:"op"`
	Valid        bool   `json:"valid,omitempty"`
	Enabled      bool   `json:"enabled,omitempty"`
	Removed      bool   `json:"removed,omitempty"`
	URI          string `json:"uri,omitempty"`
	Error        string `json:"error,omitempty"`
	Reason       string `json:"reason,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

const requestSchema = `{
	"type": "object",
	"required": ["op"],
	"additionalProperties": false,
	"properties": {
		"op": {"type": "string", "enum": ["ping", "setup", "verify", "check", "disable"]},
		"localUserId": {"type": "string", "minLength": 1, "maxLength": 256},
		"label": {"type": "string", "maxLength": 256},
		"code": {"type": "string", "pattern": "^[0-9]{6}$"}
	}
}`

const responseSchema = `{
	"type": "object",
	"required": ["ok", "op"],
	"additionalProperties": false,
	"properties": {
		"ok": {"type": "boolean"},
		"op": {"type": "string"},
		"valid": {"type": "boolean"},
		"enabled": {"type": "boolean"},
		"removed": {"type": "boolean"},
		"uri": {"type": "string"},
		"error": {"type": "string"},
		"reason": {"type": "string"},
		"retryAfterMs": {"type": "integer", "minimum": 0}
	}
}`

// frameValidator pairs a compiled schema with typed decoding, so a frame is
// either a fully validated struct or a structured error, never a
// partially-trusted object.
type frameValidator struct {
	schema *jsonschema.Schema
}

func newFrameValidator(name, schemaJSON string) (*frameValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add %s schema resource: %w", name, err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return &frameValidator{schema: schema}, nil
}

// validate checks one raw frame against the schema.
func (v *frameValidator) validate(line []byte) error {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(line))
	if err != nil {
		return fmt.Errorf("invalid JSON frame: %w", err)
	}
	if err := v.schema.Validate(parsed); err != nil {
		return fmt.Errorf("frame schema violation: %w", err)
	}
	return nil
}

func decodeRequest(v *frameValidator, line []byte) (*Request, error) {
	if err := v.validate(line); err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return &req, nil
}

func decodeResponse(v *frameValidator, line []byte) (*Response, error) {
	if err := v.validate(line); err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}
