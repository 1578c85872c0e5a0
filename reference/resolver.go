package reference

import (
	"context"
	"fmt"
	"strings"
)

const (
	prefix       = "REF:"
	baseArguments = "arguments"
)

// Resolver evaluates REF: expressions against a Store, dereferencing
// file-typed values through an optional StorageClient.
type Resolver struct {
	store   *Store
	storage StorageClient
}

// NewResolver constructs a Resolver over store. storage may be nil if the
// caller knows no file-typed values will be resolved; attempting to resolve
// one in that case returns an error.
func NewResolver(store *Store, storage StorageClient) *Resolver {
	return &Resolver{store: store, storage: storage}
}

// IsRef reports whether s is a REF: expression.
func IsRef(s string) bool { return strings.HasPrefix(s, prefix) }

// parsed is a decomposed REF:<base>.<key>[.<attr>] expression.
type parsed struct {
	base string
	key  string
	attr string
}

func parseRef(ref string) (parsed, error) {
	body := strings.TrimPrefix(ref, prefix)
	parts := strings.SplitN(body, ".", 3)
	if len(parts) < 2 {
		return parsed{}, fmt.Errorf("malformed reference %q", ref)
	}
	p := parsed{base: parts[0], key: parts[1]}
	if len(parts) == 3 {
		p.attr = parts[2]
	}
	return p, nil
}

// Base returns the `<base>` component of a REF: expression, used by
// dependency-graph construction to decide whether the reference names an
// upstream execution id (spec.md §4 "Dependency Graph").
func Base(ref string) (string, error) {
	p, err := parseRef(ref)
	if err != nil {
		return "", err
	}
	return p.base, nil
}

// Resolve evaluates a single REF: expression and returns a plain value
// (never another reference), per the resolution contract in spec.md §4.1.
// token is used only when the resolved value is file-typed.
func (r *Resolver) Resolve(ctx context.Context, ref, token string) (any, error) {
	p, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	if p.base == baseArguments {
		return r.resolveArgument(ctx, p, token)
	}
	return r.resolveResponse(ctx, p, token)
}

func (r *Resolver) resolveArgument(ctx context.Context, p parsed, token string) (any, error) {
	v, ok := r.store.Argument(p.key)
	if !ok {
		return nil, nil
	}
	if p.attr != "" && v.Kind != KindFile {
		return nil, fmt.Errorf("argument %q is not file-typed, accessor %q not permitted", p.key, p.attr)
	}
	if v.Kind == KindFile {
		return r.resolveFile(ctx, v, p.attr, token)
	}
	return Accessor(v, p.attr)
}

func (r *Resolver) resolveResponse(ctx context.Context, p parsed, token string) (any, error) {
	v, err := r.store.Response(p.base, p.key)
	if err != nil {
		return nil, err
	}
	if v.Kind == KindFile {
		return r.resolveFile(ctx, v, p.attr, token)
	}
	return Accessor(v, p.attr)
}

func (r *Resolver) resolveFile(ctx context.Context, v Value, attr, token string) (any, error) {
	if r.storage == nil {
		return nil, fmt.Errorf("file reference requires a storage collaborator")
	}
	return AccessorWithStorage(ctx, r.storage, token, v, attr)
}

// ResolveNested walks v, replacing every string beginning with REF: with its
// resolved value. Maps and slices recurse; other values pass through
// unchanged (spec.md §4.1 "Nested resolution").
func (r *Resolver) ResolveNested(ctx context.Context, v any, token string) (any, error) {
	switch t := v.(type) {
	case string:
		if !IsRef(t) {
			return t, nil
		}
		return r.Resolve(ctx, t, token)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, sub := range t {
			resolved, err := r.ResolveNested(ctx, sub, token)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, sub := range t {
			resolved, err := r.ResolveNested(ctx, sub, token)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveNestedWithSelf behaves like ResolveNested but also resolves
// REF:self.item[.attr] expressions against self, the per-sibling value bound
// during parallel expansion (spec.md §3 "Parallel Expansion": each sibling's
// arguments may address the item it was fanned out over via REF:self.item).
func (r *Resolver) ResolveNestedWithSelf(ctx context.Context, v any, token string, self any) (any, error) {
	switch t := v.(type) {
	case string:
		if !IsRef(t) {
			return t, nil
		}
		p, err := parseRef(t)
		if err != nil {
			return nil, err
		}
		if p.base == "self" {
			return selfAccessor(self, p.key, p.attr)
		}
		return r.Resolve(ctx, t, token)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, sub := range t {
			resolved, err := r.ResolveNestedWithSelf(ctx, sub, token, self)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, sub := range t {
			resolved, err := r.ResolveNestedWithSelf(ctx, sub, token, self)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func selfAccessor(self any, key, attr string) (any, error) {
	if key != "item" {
		return nil, fmt.Errorf("unsupported self reference %q", key)
	}
	if attr == "" {
		return self, nil
	}
	return Accessor(Infer(self), attr)
}

// ExtractDependencies scans v for REF: strings and returns the distinct set
// of `<base>` components that name upstream execution ids — i.e. every base
// other than "arguments", "execution" and "self" (spec.md §4 "Dependency
// Graph").
func ExtractDependencies(v any) map[string]struct{} {
	deps := make(map[string]struct{})
	collectDependencies(v, deps)
	return deps
}

func collectDependencies(v any, deps map[string]struct{}) {
	switch t := v.(type) {
	case string:
		if !IsRef(t) {
			return
		}
		base, err := Base(t)
		if err != nil {
			return
		}
		switch base {
		case baseArguments, "execution", "self":
			return
		default:
			deps[base] = struct{}{}
		}
	case map[string]any:
		for _, sub := range t {
			collectDependencies(sub, deps)
		}
	case []any:
		for _, sub := range t {
			collectDependencies(sub, deps)
		}
	}
}
