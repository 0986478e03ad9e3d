package analyzer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// resultSchema is the document every provider response must satisfy.
const resultSchema = `{
  "type": "object",
  "required": ["summary", "technologies", "problem_domains", "architecture_patterns", "categories"],
  "properties": {
    "summary": {"type": "string", "minLength": 1},
    "recommendation": {"type": "string"},
    "technologies": {"type": "array", "items": {"type": "string"}},
    "problem_domains": {"type": "array", "items": {"type": "string"}},
    "architecture_patterns": {"type": "array", "items": {"type": "string"}},
    "categories": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "type"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "type": {"enum": ["technology", "problem_domain", "architecture_pattern"]},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1}
        }
      }
    },
    "repositories": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["full_name"],
        "properties": {
          "full_name": {"type": "string"},
          "strengths": {"type": "array", "items": {"type": "string"}},
          "weaknesses": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

// Category is a category tag proposed by the provider.
type Category struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Document is the parsed provider output.
type Document struct {
	Summary              string     `json:"summary"`
	Recommendation       string     `json:"recommendation,omitempty"`
	Technologies         []string   `json:"technologies"`
	ProblemDomains       []string   `json:"problem_domains"`
	ArchitecturePatterns []string   `json:"architecture_patterns"`
	Categories           []Category `json:"categories"`
}

// ValidationError describes a response that is not usable JSON or does
// not match the schema.
type ValidationError struct {
	Message string
	Raw     string
}

func (e *ValidationError) Error() string { return e.Message }

type validator struct {
	schema *jsonschema.Schema
}

func newValidator() (*validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(resultSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("result.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("result.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &validator{schema: schema}, nil
}

// parse extracts the JSON object from text, validates it and decodes it.
// It returns the compact JSON alongside the document.
func (v *validator) parse(text string) (Document, string, error) {
	raw := extractJSON(text)
	if raw == "" {
		return Document{}, "", &ValidationError{Message: "response does not contain a JSON object", Raw: text}
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return Document{}, "", &ValidationError{Message: fmt.Sprintf("invalid JSON: %s", err), Raw: text}
	}
	if err := v.schema.Validate(inst); err != nil {
		return Document{}, "", &ValidationError{Message: fmt.Sprintf("schema validation failed: %s", err), Raw: text}
	}

	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Document{}, "", &ValidationError{Message: fmt.Sprintf("decoding result: %s", err), Raw: text}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(raw)); err != nil {
		return Document{}, "", fmt.Errorf("compacting payload: %w", err)
	}
	return doc, buf.String(), nil
}

// extractJSON returns the first JSON object in text, looking inside code
// fences first.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			if c := strings.TrimSpace(rest[:end]); strings.HasPrefix(c, "{") {
				return c
			}
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
