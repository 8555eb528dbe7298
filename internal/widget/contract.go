package widget

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
)

// Contract validates widget attributes against a JSON schema.
type Contract struct {
	schema *gojsonschema.Schema
}

// colorDefinitions is shared by the built-in schemas.
const colorDefinitions = `
	"definitions": {
		"channel": {"type": "number", "minimum": 0, "maximum": 255},
		"color": {
			"oneOf": [
				{"type": "string", "pattern": "^#([0-9a-fA-F]{6}|[0-9a-fA-F]{8})$"},
				{
					"type": "object",
					"required": ["r", "g", "b"],
					"properties": {
						"r": {"$ref": "#/definitions/channel"},
						"g": {"$ref": "#/definitions/channel"},
						"b": {"$ref": "#/definitions/channel"},
						"a": {"$ref": "#/definitions/channel"}
					},
					"additionalProperties": false
				}
			]
		},
		"size": {"type": "number", "exclusiveMinimum": 0}
	}`

// NewContract compiles a JSON schema document.
func NewContract(schemaJSON []byte) (*Contract, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("compile widget contract: %w", err)
	}
	return &Contract{schema: schema}, nil
}

// MustContract is NewContract for the built-in schemas.
func MustContract(schemaJSON string) *Contract {
	c, err := NewContract([]byte(schemaJSON))
	if err != nil {
		panic(err)
	}
	return c
}

// Validate checks attrs and reports every violation in one error.
func (c *Contract) Validate(attrs pkgplugin.Attributes) error {
	doc := make(map[string]any, len(attrs))
	for k, v := range attrs {
		doc[k] = v.Any()
	}
	res, err := c.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("validate attributes: %w", err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("invalid attributes: %s", strings.Join(msgs, "; "))
}

func schemaDoc(required []string, properties string) string {
	quoted := make([]string, len(required))
	for i, r := range required {
		quoted[i] = `"` + r + `"`
	}
	return `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": [` + strings.Join(quoted, ", ") + `],
	"properties": {` + properties + `},` + colorDefinitions + `
}`
}

func colorAttr(attrs pkgplugin.Attributes, key string, fallback pkgplugin.Color) pkgplugin.Color {
	v, ok := attrs[key]
	if !ok {
		return fallback
	}
	c, err := pkgplugin.ParseColor(v)
	if err != nil {
		return fallback
	}
	return c
}

func floatAttr(attrs pkgplugin.Attributes, key string, fallback float64) float64 {
	if f, ok := attrs.Float(key); ok {
		return f
	}
	return fallback
}
