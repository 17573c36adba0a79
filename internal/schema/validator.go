// internal/schema/validator.go
// Package schema provides JSON schema validation for incoming API request
// bodies, rejecting malformed payloads before any handler logic runs.
package schema

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Request names accepted by Validate.
const (
	SearchRequest    = "search"
	RecordingRequest = "recording"
	DownloadRequest  = "download"
)

// searchSchema covers the metadata search body. Date format and range
// ordering are checked by the tenant service, not here.
const searchSchema = `{
	"type": "object",
	"required": ["from_date", "to_date", "opco"],
	"properties": {
		"from_date": {"type": "string", "minLength": 1},
		"to_date": {"type": "string", "minLength": 1},
		"opco": {"type": "string", "minLength": 1},
		"filters": {
			"type": "object",
			"properties": {
				"objectIDs": {"type": "array", "items": {"type": ["string", "null"]}},
				"direction": {"type": "integer"},
				"extensionNum": {"type": "array", "items": {"type": "string"}},
				"channelNum": {"type": "array", "items": {"type": "string"}},
				"aniAliDigits": {"type": "array", "items": {"type": "string"}},
				"name": {"type": "array", "items": {"type": "string"}}
			}
		},
		"pagination": {
			"type": "object",
			"properties": {
				"pageNumber": {"type": "integer"},
				"pageSize": {"type": "integer"}
			}
		}
	}
}`

// recordingSchema covers a single recording fetch body.
const recordingSchema = `{
	"type": "object",
	"required": ["opco", "date", "username"],
	"properties": {
		"opco": {"type": "string", "minLength": 1},
		"date": {"type": "string", "minLength": 1},
		"username": {"type": "string", "minLength": 1}
	}
}`

// downloadSchema covers the bulk download body: a non-empty list of
// recording requests.
const downloadSchema = `{
	"type": "array",
	"minItems": 1,
	"items": {
		"type": "object",
		"required": ["opco", "date", "username"],
		"properties": {
			"opco": {"type": "string", "minLength": 1},
			"date": {"type": "string", "minLength": 1},
			"username": {"type": "string", "minLength": 1}
		}
	}
}`

// Validator validates request bodies against their JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema // Map of request names to compiled schemas
}

// NewValidator creates a new request validator with all schemas compiled.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema)}

	for name, schemaJSON := range map[string]string{
		SearchRequest:    searchSchema,
		RecordingRequest: recordingSchema,
		DownloadRequest:  downloadSchema,
	} {
		if err := v.loadSchema(name, schemaJSON); err != nil {
			return nil, fmt.Errorf("failed to load schemas: %w", err)
		}
	}

	return v, nil
}

// loadSchema compiles and stores a single schema.
func (v *Validator) loadSchema(name, schemaJSON string) error {
	loader := gojsonschema.NewStringLoader(schemaJSON)

	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", name, err)
	}

	v.schemas[name] = schema
	return nil
}

// Validate checks a raw request body against the named schema.
// Returns nil if valid, or an error listing every violation.
func (v *Validator) Validate(name string, body []byte) error {
	schema, exists := v.schemas[name]
	if !exists {
		return fmt.Errorf("schema not found for request: %s", name)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}

	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}
