// Package schema implements the attribute-list validator described in
// spec.md §4.2 (C2): type/required/regex/enum/default/conditional-required
// enforcement over a key-value body, plus schema-declared vanity type
// aliases. Type, enum and regex checks are delegated to a compiled
// santhosh-tekuri/jsonschema/v6 document; required-field activation and
// default injection are evaluated directly since they depend on the
// payload-aware condition evaluator (C3), which JSON Schema cannot express.
package schema

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/jarosser06/ratio-sub000/condition"
	"github.com/jarosser06/ratio-sub000/ratioerr"
	"github.com/jarosser06/ratio-sub000/reference"
)

// AttributeDef is a single declared attribute from spec.md §3.
type AttributeDef struct {
	Name               string          `json:"name" bson:"name"`
	TypeName           reference.Kind  `json:"type_name" bson:"type_name"`
	Required           bool            `json:"required,omitempty" bson:"required,omitempty"`
	RegexPattern       string          `json:"regex_pattern,omitempty" bson:"regex_pattern,omitempty"`
	Enum               []any           `json:"enum,omitempty" bson:"enum,omitempty"`
	DefaultValue       any             `json:"default_value,omitempty" bson:"default_value,omitempty"`
	RequiredConditions []condition.Node `json:"required_conditions,omitempty" bson:"required_conditions,omitempty"`
}

// Aliases maps a schema-declared vanity type name to the canonical type it
// stands in for (e.g. "file" -> "string"), applied before the base type
// check (spec.md §4.2 "Vanity types").
type Aliases map[reference.Kind]reference.Kind

// Validator validates bodies against attribute lists, evaluating
// required_conditions through a condition.Evaluator.
type Validator struct {
	evaluator *condition.Evaluator
}

// NewValidator constructs a Validator backed by evaluator for
// required_conditions clauses.
func NewValidator(evaluator *condition.Evaluator) *Validator {
	return &Validator{evaluator: evaluator}
}

// Validate checks body against defs, injecting default values in place and
// returning an *ratioerr.Error with code InvalidSchema on any violation.
// aliases may be nil.
func (v *Validator) Validate(ctx context.Context, body map[string]any, defs []AttributeDef, aliases Aliases, token string) error {
	if err := checkDuplicateNames(defs); err != nil {
		return err
	}

	for _, def := range defs {
		if _, present := body[def.Name]; !present {
			if def.DefaultValue != nil {
				body[def.Name] = def.DefaultValue
				continue
			}
			required, err := v.isRequiredNow(ctx, def, body, token)
			if err != nil {
				return err
			}
			if required {
				return ratioerr.Newf(ratioerr.InvalidSchema, "missing required attribute %q", def.Name)
			}
			continue
		}
	}

	docSchema, err := compileSchema(defs, aliases)
	if err != nil {
		return ratioerr.Wrap(ratioerr.InvalidSchema, "compile attribute schema", err)
	}
	if docSchema == nil {
		return nil
	}

	payloadJSON, err := json.Marshal(body)
	if err != nil {
		return ratioerr.Wrap(ratioerr.InvalidSchema, "marshal payload for validation", err)
	}
	var payloadDoc any
	if err := json.Unmarshal(payloadJSON, &payloadDoc); err != nil {
		return ratioerr.Wrap(ratioerr.InvalidSchema, "unmarshal payload for validation", err)
	}
	if err := docSchema.Validate(payloadDoc); err != nil {
		return ratioerr.Wrap(ratioerr.InvalidSchema, "attribute validation failed", err)
	}
	return nil
}

// isRequiredNow evaluates whether a missing def.Name should be treated as
// required right now: always, when no required_conditions are declared, and
// otherwise only when at least one clause evaluates true (spec.md §4.2:
// "fails unless every required_conditions clause evaluates false").
func (v *Validator) isRequiredNow(ctx context.Context, def AttributeDef, body map[string]any, token string) (bool, error) {
	if !def.Required {
		return false, nil
	}
	if len(def.RequiredConditions) == 0 {
		return true, nil
	}
	for _, node := range def.RequiredConditions {
		ok, err := v.evaluator.EvaluateList(ctx, []condition.Node{node}, token)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func checkDuplicateNames(defs []AttributeDef) error {
	seen := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		if _, ok := seen[def.Name]; ok {
			return ratioerr.Newf(ratioerr.InvalidSchema, "duplicate attribute name %q", def.Name)
		}
		seen[def.Name] = struct{}{}
	}
	return nil
}

func compileSchema(defs []AttributeDef, aliases Aliases) (*jsonschema.Schema, error) {
	if len(defs) == 0 {
		return nil, nil
	}

	properties := make(map[string]any, len(defs))
	for _, def := range defs {
		prop, err := attributeJSONSchema(def, aliases)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", def.Name, err)
		}
		properties[def.Name] = prop
	}

	doc := map[string]any{
		"type":       "object",
		"properties": properties,
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("schema.json")
}

func attributeJSONSchema(def AttributeDef, aliases Aliases) (map[string]any, error) {
	effective := def.TypeName
	if aliases != nil {
		if canonical, ok := aliases[effective]; ok {
			effective = canonical
		}
	}

	prop := map[string]any{}
	switch effective {
	case reference.KindString, reference.KindFile:
		prop["type"] = "string"
	case reference.KindNumber:
		prop["type"] = "number"
	case reference.KindBoolean:
		prop["type"] = "boolean"
	case reference.KindList:
		prop["type"] = "array"
	case reference.KindObject:
		prop["type"] = "object"
	case reference.KindAny:
		// no type constraint
	default:
		return nil, fmt.Errorf("unknown type_name %q", def.TypeName)
	}

	if def.RegexPattern != "" {
		prop["pattern"] = def.RegexPattern
	}
	if len(def.Enum) > 0 {
		prop["enum"] = def.Enum
	}
	return prop, nil
}
