package api

import (
	"fmt"
	"strings"

	"github.com/quualle/AgencyReporter/internal/reportcache"
	"github.com/xeipuuv/gojsonschema"
)

var saveRequestSchema = fmt.Sprintf(`{
	"type": "object",
	"required": ["cache_key", "data", "endpoint"],
	"properties": {
		"cache_key":     {"type": "string", "minLength": 1, "maxLength": 500},
		"endpoint":      {"type": "string", "minLength": 1},
		"data":          {"not": {"type": "null"}},
		"agency_id":     {"type": ["string", "null"]},
		"time_period":   {"type": ["string", "null"]},
		"params":        {"type": ["object", "null"]},
		"expires_hours": {"type": "integer", "minimum": 0, "maximum": %d},
		"is_preloaded":  {"type": "boolean"}
	}
}`, reportcache.MaxTTLHours)

var saveSchema = mustSchema(saveRequestSchema)

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("compile schema: %v", err))
	}
	return schema
}

// validateBody checks body against schema and joins every violation
func validateBody(schema *gojsonschema.Schema, body []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
