package reference_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jarosser06/ratio-sub000/reference"
)

type fakeStorage struct {
	content map[string]string
	meta    map[string]map[string]any
}

func (f *fakeStorage) DescribeFile(_ context.Context, _, path string) (map[string]any, error) {
	return f.meta[path], nil
}

func (f *fakeStorage) GetFileContent(_ context.Context, _, path string) (string, error) {
	return f.content[path], nil
}

func newStoreWithArgs(args map[string]reference.Value) *reference.Store {
	store := reference.NewStore()
	for k, v := range args {
		store.SetArgument(k, v)
	}
	return store
}

func TestResolveArgument(t *testing.T) {
	store := newStoreWithArgs(map[string]reference.Value{"name": reference.NewString("world")})
	resolver := reference.NewResolver(store, nil)

	v, err := resolver.Resolve(context.Background(), "REF:arguments.name", "")
	require.NoError(t, err)
	require.Equal(t, "world", v)
}

func TestResolveMissingArgumentIsAbsent(t *testing.T) {
	store := reference.NewStore()
	resolver := reference.NewResolver(store, nil)

	v, err := resolver.Resolve(context.Background(), "REF:arguments.missing", "")
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestResolveArgumentAttrRejectedForNonFile(t *testing.T) {
	store := newStoreWithArgs(map[string]reference.Value{"name": reference.NewString("world")})
	resolver := reference.NewResolver(store, nil)

	_, err := resolver.Resolve(context.Background(), "REF:arguments.name.length", "")
	require.Error(t, err)
}

func TestResolveResponse(t *testing.T) {
	store := reference.NewStore()
	require.NoError(t, store.SetResponses("a", map[string]reference.Value{"out": reference.NewString("hello")}))
	resolver := reference.NewResolver(store, nil)

	v, err := resolver.Resolve(context.Background(), "REF:a.out", "")
	require.NoError(t, err)
	require.Equal(t, "hello", v)
}

func TestResolveUnknownExecutionIDIsError(t *testing.T) {
	store := reference.NewStore()
	resolver := reference.NewResolver(store, nil)

	_, err := resolver.Resolve(context.Background(), "REF:a.out", "")
	require.Error(t, err)
}

func TestResolveUnknownResponseKeyIsError(t *testing.T) {
	store := reference.NewStore()
	require.NoError(t, store.SetResponses("a", map[string]reference.Value{"out": reference.NewString("hello")}))
	resolver := reference.NewResolver(store, nil)

	_, err := resolver.Resolve(context.Background(), "REF:a.missing", "")
	require.Error(t, err)
}

func TestSetResponsesIsWriteOnce(t *testing.T) {
	store := reference.NewStore()
	require.NoError(t, store.SetResponses("a", map[string]reference.Value{"out": reference.NewString("hello")}))
	err := store.SetResponses("a", map[string]reference.Value{"out": reference.NewString("again")})
	require.Error(t, err)
}

func TestResolveFileValue(t *testing.T) {
	store := reference.NewStore()
	require.NoError(t, store.SetResponses("a", map[string]reference.Value{"doc": reference.NewFile("/dir/report.txt")}))
	storage := &fakeStorage{content: map[string]string{"/dir/report.txt": "contents"}}
	resolver := reference.NewResolver(store, storage)

	v, err := resolver.Resolve(context.Background(), "REF:a.doc", "tok")
	require.NoError(t, err)
	require.Equal(t, "contents", v)

	name, err := resolver.Resolve(context.Background(), "REF:a.doc.file_name", "tok")
	require.NoError(t, err)
	require.Equal(t, "report.txt", name)

	parent, err := resolver.Resolve(context.Background(), "REF:a.doc.parent_directory", "tok")
	require.NoError(t, err)
	require.Equal(t, "/dir", parent)
}

func TestResolveFileValueWithoutStorageErrors(t *testing.T) {
	store := reference.NewStore()
	require.NoError(t, store.SetResponses("a", map[string]reference.Value{"doc": reference.NewFile("/dir/report.txt")}))
	resolver := reference.NewResolver(store, nil)

	_, err := resolver.Resolve(context.Background(), "REF:a.doc", "tok")
	require.Error(t, err)
}

func TestResolveNestedWalksMapsAndLists(t *testing.T) {
	store := newStoreWithArgs(map[string]reference.Value{"name": reference.NewString("world")})
	require.NoError(t, store.SetResponses("a", map[string]reference.Value{"out": reference.NewString("hi")}))
	resolver := reference.NewResolver(store, nil)

	input := map[string]any{
		"greeting": "REF:arguments.name",
		"nested":   []any{"REF:a.out", "literal", 42},
	}
	resolved, err := resolver.ResolveNested(context.Background(), input, "")
	require.NoError(t, err)

	out, ok := resolved.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "world", out["greeting"])
	require.Equal(t, []any{"hi", "literal", 42}, out["nested"])
}

func TestExtractDependenciesIgnoresArgumentsExecutionSelf(t *testing.T) {
	input := map[string]any{
		"a": "REF:arguments.x",
		"b": "REF:execution.id",
		"c": "REF:self.out",
		"d": "REF:upstream.out",
		"nested": []any{"REF:other.out"},
	}
	deps := reference.ExtractDependencies(input)
	require.Len(t, deps, 2)
	_, ok := deps["upstream"]
	require.True(t, ok)
	_, ok = deps["other"]
	require.True(t, ok)
}

func TestBaseExtractsFirstComponent(t *testing.T) {
	base, err := reference.Base("REF:arguments.name")
	require.NoError(t, err)
	require.Equal(t, "arguments", base)
}

func TestIsRef(t *testing.T) {
	require.True(t, reference.IsRef("REF:arguments.x"))
	require.False(t, reference.IsRef("plain string"))
}
