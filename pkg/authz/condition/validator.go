// Package condition implements the Condition Validator (spec §4.1,
// C4): schema-checking and sanitizing the JSON blobs attached to grants
// and policies before they are persisted or evaluated.
package condition

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/nexus-iam/authz-core/pkg/errors"
)

// searchInputCutoff truncates free-form search strings (spec §4.1).
const searchInputCutoff = 100

// sqlDangerousChars are stripped from free-form search inputs before
// they can reach a SQL WHERE fragment.
var sqlDangerousChars = strings.NewReplacer(
	"%", "", "_", "", "\\", "", "'", "", "\"", "", ";", "",
)

// SanitizeSearchInput removes SQL wildcards/quote characters and
// truncates to searchInputCutoff, per spec §4.1.
func SanitizeSearchInput(input string) string {
	cleaned := sqlDangerousChars.Replace(input)
	if len(cleaned) > searchInputCutoff {
		cleaned = cleaned[:searchInputCutoff]
	}
	return cleaned
}

// Validator validates and sanitizes condition/rule JSON blobs against a
// named JSON schema.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// New creates a Validator with no schemas registered; call Register to
// add one per schemaName before Validate is called against it.
func New() *Validator {
	return &Validator{schemas: make(map[string]*gojsonschema.Schema)}
}

// Register compiles and stores a JSON schema under schemaName.
func (v *Validator) Register(schemaName string, schemaJSON string) error {
	loader := gojsonschema.NewStringLoader(schemaJSON)
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return errors.InvalidConditions("condition.Register", err.Error())
	}
	v.schemas[schemaName] = schema
	return nil
}

// Validate checks conditions (a raw JSON object) against the schema
// registered under schemaName and returns a sanitized copy: search-like
// string values are scrubbed by sanitizeTree and the result is
// re-marshaled from the decoded value. A schemaName with no registered
// schema skips the schema check.
func (v *Validator) Validate(conditions json.RawMessage, schemaName string) (json.RawMessage, error) {
	if len(conditions) == 0 {
		return conditions, nil
	}

	var decoded interface{}
	if err := json.Unmarshal(conditions, &decoded); err != nil {
		return nil, errors.InvalidConditions("condition.Validate", fmt.Sprintf("malformed JSON: %v", err))
	}

	schema, ok := v.schemas[schemaName]
	if ok {
		result, err := schema.Validate(gojsonschema.NewGoLoader(decoded))
		if err != nil {
			return nil, errors.InvalidConditions("condition.Validate", err.Error())
		}
		if !result.Valid() {
			var paths []string
			for _, e := range result.Errors() {
				paths = append(paths, e.Field()+": "+e.Description())
			}
			return nil, errors.InvalidConditions("condition.Validate", strings.Join(paths, "; "))
		}
	}

	sanitizeTree(decoded)

	sanitized, err := json.Marshal(decoded)
	if err != nil {
		return nil, errors.InvalidConditions("condition.Validate", err.Error())
	}
	return sanitized, nil
}

// sanitizeTree walks a decoded JSON value in place, sanitizing any
// string leaves that look like free-form search input (spec §4.1:
// "Strings embedded in free-form search inputs ... are separately
// sanitized"). Object keys and typed enum-like short strings are left
// untouched; only string values under a key containing "search" or
// "query", or a key named "q", are scrubbed.
func sanitizeTree(v interface{}) {
	switch node := v.(type) {
	case map[string]interface{}:
		for k, val := range node {
			if s, ok := val.(string); ok && looksLikeSearchKey(k) {
				node[k] = SanitizeSearchInput(s)
				continue
			}
			sanitizeTree(val)
		}
	case []interface{}:
		for _, item := range node {
			sanitizeTree(item)
		}
	}
}

func looksLikeSearchKey(key string) bool {
	lower := strings.ToLower(key)
	return strings.Contains(lower, "search") || strings.Contains(lower, "query") || lower == "q"
}
