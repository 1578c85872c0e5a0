package schema_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jarosser06/ratio-sub000/condition"
	"github.com/jarosser06/ratio-sub000/reference"
	"github.com/jarosser06/ratio-sub000/ratioerr"
	"github.com/jarosser06/ratio-sub000/schema"
	"github.com/jarosser06/ratio-sub000/telemetry"
)

func newValidator() *schema.Validator {
	resolver := reference.NewResolver(reference.NewStore(), nil)
	return schema.NewValidator(condition.NewEvaluator(resolver, telemetry.NewNoopLogger()))
}

func TestValidateMissingRequiredFails(t *testing.T) {
	v := newValidator()
	defs := []schema.AttributeDef{{Name: "name", TypeName: reference.KindString, Required: true}}
	err := v.Validate(context.Background(), map[string]any{}, defs, nil, "")
	require.Error(t, err)
	code, ok := ratioerr.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, ratioerr.InvalidSchema, code)
}

func TestValidateDefaultInjected(t *testing.T) {
	v := newValidator()
	defs := []schema.AttributeDef{{Name: "count", TypeName: reference.KindNumber, Required: true, DefaultValue: 5.0}}
	body := map[string]any{}
	err := v.Validate(context.Background(), body, defs, nil, "")
	require.NoError(t, err)
	require.Equal(t, 5.0, body["count"])
}

func TestValidateTypeMismatchFails(t *testing.T) {
	v := newValidator()
	defs := []schema.AttributeDef{{Name: "count", TypeName: reference.KindNumber}}
	err := v.Validate(context.Background(), map[string]any{"count": "not a number"}, defs, nil, "")
	require.Error(t, err)
}

func TestValidateEnumEnforced(t *testing.T) {
	v := newValidator()
	defs := []schema.AttributeDef{{Name: "status", TypeName: reference.KindString, Enum: []any{"ok", "fail"}}}
	err := v.Validate(context.Background(), map[string]any{"status": "unknown"}, defs, nil, "")
	require.Error(t, err)

	err = v.Validate(context.Background(), map[string]any{"status": "ok"}, defs, nil, "")
	require.NoError(t, err)
}

func TestValidateRegexEnforced(t *testing.T) {
	v := newValidator()
	defs := []schema.AttributeDef{{Name: "code", TypeName: reference.KindString, RegexPattern: "^[A-Z]{3}$"}}
	err := v.Validate(context.Background(), map[string]any{"code": "abc"}, defs, nil, "")
	require.Error(t, err)

	err = v.Validate(context.Background(), map[string]any{"code": "ABC"}, defs, nil, "")
	require.NoError(t, err)
}

func TestValidateDuplicateAttributeNamesFail(t *testing.T) {
	v := newValidator()
	defs := []schema.AttributeDef{
		{Name: "dup", TypeName: reference.KindString},
		{Name: "dup", TypeName: reference.KindNumber},
	}
	err := v.Validate(context.Background(), map[string]any{"dup": "x"}, defs, nil, "")
	require.Error(t, err)
}

func TestValidateVanityTypeAlias(t *testing.T) {
	v := newValidator()
	defs := []schema.AttributeDef{{Name: "doc", TypeName: reference.KindFile}}
	aliases := schema.Aliases{reference.KindFile: reference.KindString}
	err := v.Validate(context.Background(), map[string]any{"doc": "/path/to/file"}, defs, aliases, "")
	require.NoError(t, err)
}

func TestValidateRequiredConditionsSuppressRequirement(t *testing.T) {
	v := newValidator()
	defs := []schema.AttributeDef{{
		Name:     "reason",
		TypeName: reference.KindString,
		Required: true,
		RequiredConditions: []condition.Node{
			{Condition: &condition.Condition{Param: "REF:arguments.status", Operator: condition.OpEquals, Value: "failed"}},
		},
	}}
	// status absent entirely, so the REF resolves to nil and the clause is
	// false for every comparison -> the attribute is not required.
	err := v.Validate(context.Background(), map[string]any{}, defs, nil, "")
	require.NoError(t, err)
}

func TestValidateRequiredConditionsActivateRequirement(t *testing.T) {
	resolverStore := reference.NewStore()
	resolverStore.SetArgument("status", reference.NewString("failed"))
	resolver := reference.NewResolver(resolverStore, nil)
	v := schema.NewValidator(condition.NewEvaluator(resolver, telemetry.NewNoopLogger()))

	defs := []schema.AttributeDef{{
		Name:     "reason",
		TypeName: reference.KindString,
		Required: true,
		RequiredConditions: []condition.Node{
			{Condition: &condition.Condition{Param: "REF:arguments.status", Operator: condition.OpEquals, Value: "failed"}},
		},
	}}
	err := v.Validate(context.Background(), map[string]any{}, defs, nil, "")
	require.Error(t, err)
}
