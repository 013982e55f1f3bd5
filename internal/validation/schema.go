package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Schema validates free-form JSON bodies before they are converted into
// typed values.
type Schema struct {
	schema *gojsonschema.Schema
}

// MustCompileSchema compiles a JSON schema literal and panics if it is
// malformed. Intended for package-level schema variables.
func MustCompileSchema(src string) *Schema {
	s, err := CompileSchema(src)
	if err != nil {
		panic(err)
	}
	return s
}

// CompileSchema compiles a JSON schema literal.
func CompileSchema(src string) (*Schema, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{schema: schema}, nil
}

// ValidateBytes checks a raw JSON document. The returned ValidationErrors
// carry one entry per schema violation.
func (s *Schema) ValidateBytes(doc []byte) error {
	if !json.Valid(doc) {
		return ValidationErrors{{Field: "(root)", Message: "body must be valid JSON"}}
	}
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	if result.Valid() {
		return nil
	}
	errs := make(ValidationErrors, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		errs = append(errs, ValidationError{
			Field:   re.Field(),
			Message: strings.TrimSpace(re.Description()),
		})
	}
	return errs
}
