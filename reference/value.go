// Package reference implements the REF: expression grammar and typed value
// store described in spec.md §4.1 (C1). Values are resolved against a
// per-engine Store of arguments and prior execution responses; file-typed
// values are dereferenced lazily through a StorageClient collaborator.
package reference

import (
	"context"
	"fmt"
	"path"
	"strconv"
)

// Kind tags the declared type of a Value. It mirrors the AttributeDef
// type_name vocabulary from spec.md §3 plus a Null sentinel used for absent
// arguments and type-appropriate null responses (spec.md §4.5.1).
type Kind string

const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
	KindList    Kind = "list"
	KindObject  Kind = "object"
	KindFile    Kind = "file"
	KindAny     Kind = "any"
	KindNull    Kind = "null"
)

// ValidKind reports whether k is a declarable AttributeDef type_name.
func ValidKind(k Kind) bool {
	switch k {
	case KindString, KindNumber, KindBoolean, KindList, KindObject, KindFile, KindAny:
		return true
	default:
		return false
	}
}

// Value is a typed wrapper over an underlying plain value, as described in
// spec.md §3 "Reference Value". Raw holds the native Go representation: a
// string for KindString/KindFile, float64 for KindNumber, bool for
// KindBoolean, []any for KindList, map[string]any for KindObject, and nil for
// KindNull.
type Value struct {
	Kind Kind
	Raw  any
}

// Null returns the type-appropriate null Value for a given declared kind, as
// used when synthesizing responses for skipped instructions (spec.md §4.5.1):
// [] for lists, {} for objects, null (nil) otherwise.
func Null(k Kind) Value {
	switch k {
	case KindList:
		return Value{Kind: KindList, Raw: []any{}}
	case KindObject:
		return Value{Kind: KindObject, Raw: map[string]any{}}
	default:
		return Value{Kind: KindNull, Raw: nil}
	}
}

// NewString wraps s as a string Value.
func NewString(s string) Value { return Value{Kind: KindString, Raw: s} }

// NewNumber wraps f as a number Value.
func NewNumber(f float64) Value { return Value{Kind: KindNumber, Raw: f} }

// NewBoolean wraps b as a boolean Value.
func NewBoolean(b bool) Value { return Value{Kind: KindBoolean, Raw: b} }

// NewList wraps items as a list Value.
func NewList(items []any) Value { return Value{Kind: KindList, Raw: items} }

// NewObject wraps m as an object Value.
func NewObject(m map[string]any) Value { return Value{Kind: KindObject, Raw: m} }

// NewFile wraps a storage path as a file Value. Materialization is lazy: the
// content is only fetched when Resolve is called with no accessor.
func NewFile(path string) Value { return Value{Kind: KindFile, Raw: path} }

// FromTyped wraps v in the reference type declared by typeName. "any"-typed
// values are inferred from the runtime value using the precedence
// bool < number < list < object < string (spec.md §4.1 "Argument typing").
// Unknown declared types fail with InvalidSchema via the returned error.
func FromTyped(typeName Kind, v any) (Value, error) {
	switch typeName {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return Value{}, fmt.Errorf("value is not a string")
		}
		return NewString(s), nil
	case KindNumber:
		f, ok := toFloat(v)
		if !ok {
			return Value{}, fmt.Errorf("value is not a number")
		}
		return NewNumber(f), nil
	case KindBoolean:
		b, ok := v.(bool)
		if !ok {
			return Value{}, fmt.Errorf("value is not a boolean")
		}
		return NewBoolean(b), nil
	case KindList:
		l, ok := v.([]any)
		if !ok {
			return Value{}, fmt.Errorf("value is not a list")
		}
		return NewList(l), nil
	case KindObject:
		m, ok := v.(map[string]any)
		if !ok {
			return Value{}, fmt.Errorf("value is not an object")
		}
		return NewObject(m), nil
	case KindFile:
		s, ok := v.(string)
		if !ok {
			return Value{}, fmt.Errorf("file value is not a string path")
		}
		return NewFile(s), nil
	case KindAny:
		return Infer(v), nil
	default:
		return Value{}, fmt.Errorf("unknown type_name %q", typeName)
	}
}

// Infer wraps v using the runtime-value precedence bool < number < list <
// object < string (spec.md §4.1).
func Infer(v any) Value {
	switch t := v.(type) {
	case bool:
		return NewBoolean(t)
	case float64:
		return NewNumber(t)
	case int:
		return NewNumber(float64(t))
	case int64:
		return NewNumber(float64(t))
	case []any:
		return NewList(t)
	case map[string]any:
		return NewObject(t)
	case string:
		return NewString(t)
	case nil:
		return Value{Kind: KindNull, Raw: nil}
	default:
		return NewString(fmt.Sprintf("%v", t))
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

// NumberResult returns f as an int64 when it is integral, else as a float64,
// matching spec.md §4.1's "int if integral else float" rule.
func NumberResult(f float64) any {
	if f == float64(int64(f)) {
		return int64(f)
	}
	return f
}

// StorageClient is the subset of the storage collaborator (spec.md §6.1)
// needed to dereference file-typed values.
type StorageClient interface {
	// DescribeFile returns file metadata, keyed as returned by the
	// describe_file endpoint.
	DescribeFile(ctx context.Context, token, filePath string) (map[string]any, error)
	// GetFileContent returns the current content of filePath.
	GetFileContent(ctx context.Context, token, filePath string) (string, error)
}

// Accessor resolves v against an optional accessor string, per the typed
// accessor table in spec.md §4.1. For file values use AccessorWithStorage
// instead, since file resolution requires network I/O.
func Accessor(v Value, attr string) (any, error) {
	switch v.Kind {
	case KindNull:
		if attr != "" {
			return nil, fmt.Errorf("null reference does not support accessor %q", attr)
		}
		return nil, nil
	case KindString:
		if attr != "" {
			return nil, fmt.Errorf("string reference values do not support attributes")
		}
		return v.Raw, nil
	case KindNumber:
		if attr != "" {
			return nil, fmt.Errorf("number reference values do not support attributes")
		}
		f, _ := toFloat(v.Raw)
		return NumberResult(f), nil
	case KindBoolean:
		if attr != "" {
			return nil, fmt.Errorf("boolean reference values do not support attributes")
		}
		return v.Raw, nil
	case KindList:
		return listAccessor(v.Raw, attr)
	case KindObject:
		return objectAccessor(v.Raw, attr)
	case KindFile:
		return nil, fmt.Errorf("file reference values require storage access; use AccessorWithStorage")
	default:
		return nil, fmt.Errorf("unsupported reference kind %q", v.Kind)
	}
}

func listAccessor(raw any, attr string) (any, error) {
	list, _ := raw.([]any)
	if attr == "" {
		return list, nil
	}
	switch attr {
	case "length":
		return int64(len(list)), nil
	case "first":
		if len(list) == 0 {
			return nil, fmt.Errorf("cannot access first element of empty list")
		}
		return list[0], nil
	case "last":
		if len(list) == 0 {
			return nil, fmt.Errorf("cannot access last element of empty list")
		}
		return list[len(list)-1], nil
	default:
		idx, err := strconv.Atoi(attr)
		if err != nil {
			return nil, fmt.Errorf("unsupported list accessor %q", attr)
		}
		if idx < 0 || idx >= len(list) {
			return nil, fmt.Errorf("list index out of range: %d", idx)
		}
		return list[idx], nil
	}
}

func objectAccessor(raw any, attr string) (any, error) {
	obj, _ := raw.(map[string]any)
	if attr == "" {
		return obj, nil
	}
	return obj[attr], nil
}

// AccessorWithStorage resolves a file Value against an optional accessor,
// fetching content or metadata through client as needed (spec.md §4.1).
func AccessorWithStorage(ctx context.Context, client StorageClient, token string, v Value, attr string) (any, error) {
	if v.Kind != KindFile {
		return Accessor(v, attr)
	}
	filePath, _ := v.Raw.(string)
	if filePath == "" {
		return nil, fmt.Errorf("file reference value is empty")
	}
	switch attr {
	case "":
		return client.GetFileContent(ctx, token, filePath)
	case "file_name":
		return path.Base(filePath), nil
	case "path":
		return filePath, nil
	case "parent_directory":
		return parentDirectory(filePath), nil
	default:
		meta, err := client.DescribeFile(ctx, token, filePath)
		if err != nil {
			return nil, err
		}
		return meta[attr], nil
	}
}

// parentDirectory mirrors os.path.dirname semantics used by the original
// implementation: dirname("/a") == "/".
func parentDirectory(filePath string) string {
	d := path.Dir(filePath)
	return d
}
