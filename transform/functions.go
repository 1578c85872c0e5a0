package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

type fn func(ctx context.Context, e *Evaluator, args map[string]any, token string) (any, error)

var registry = map[string]fn{
	"datetime_now":       datetimeNow,
	"create_object":      createObject,
	"get_object_property": getObjectProperty,
	"join":               joinFn,
	"json_parse":         jsonParse,
	"map":                mapFn,
	"sum":                sumFn,
	"if":                 ifFn,
	"filter":             filterFn,
	"group_by":           groupBy,
	"sort":               sortFn,
	"unique":             unique,
	"flatten":            flatten,
	"list_files":         listFiles,
	"list_file_versions": listFileVersions,
	"describe_version":   describeVersion,
	"read_file":          readFile,
	"read_files":         readFiles,
}

func datetimeNow(ctx context.Context, e *Evaluator, args map[string]any, token string) (any, error) {
	format, _ := args["format"].(string)
	if format == "" {
		format = "iso"
	}
	now := time.Now().UTC()
	switch format {
	case "iso":
		return now.Format(time.RFC3339), nil
	case "unix":
		return now.Unix(), nil
	default:
		return nil, fmt.Errorf("datetime_now: format must be \"iso\" or \"unix\"")
	}
}

func createObject(ctx context.Context, e *Evaluator, args map[string]any, token string) (any, error) {
	return args, nil
}

func getObjectProperty(ctx context.Context, e *Evaluator, args map[string]any, token string) (any, error) {
	obj := args["obj"]
	path, _ := args["property_path"].(string)
	if path == "" {
		return nil, fmt.Errorf("get_object_property: property_path is required")
	}
	return getByPath(obj, path)
}

func joinFn(ctx context.Context, e *Evaluator, args map[string]any, token string) (any, error) {
	arr, ok := args["array"].([]any)
	if !ok {
		return nil, fmt.Errorf("join: array argument must be a list")
	}
	sep, _ := args["separator"].(string)
	values := make([]string, 0, len(arr))
	for _, item := range arr {
		if obj, ok := item.(map[string]any); ok {
			if name, ok := obj["name"]; ok {
				values = append(values, fmt.Sprint(name))
				continue
			}
		}
		values = append(values, fmt.Sprint(item))
	}
	return strings.Join(values, sep), nil
}

func jsonParse(ctx context.Context, e *Evaluator, args map[string]any, token string) (any, error) {
	str, ok := args["json_string"].(string)
	if !ok {
		return nil, fmt.Errorf("json_parse: json_string must be a string")
	}
	var out any
	if err := json.Unmarshal([]byte(str), &out); err != nil {
		return nil, fmt.Errorf("json_parse: %w", err)
	}
	return out, nil
}

func mapFn(ctx context.Context, e *Evaluator, args map[string]any, token string) (any, error) {
	arr, ok := args["array"].([]any)
	if !ok {
		return nil, fmt.Errorf("map: array argument must be a list")
	}
	result := make([]any, 0, len(arr))
	switch tmpl := args["template"].(type) {
	case string:
		attr, ok := strings.CutPrefix(tmpl, "item.")
		if !ok {
			return nil, fmt.Errorf("map: string template must be in format \"item.X\"")
		}
		for _, item := range arr {
			v, err := getByPath(item, attr)
			if err != nil {
				return nil, fmt.Errorf("map: %w", err)
			}
			result = append(result, v)
		}
	case map[string]any:
		for _, item := range arr {
			out := make(map[string]any, len(tmpl))
			for key, path := range tmpl {
				pathStr, isPath := path.(string)
				if isPath {
					if attr, ok := strings.CutPrefix(pathStr, "item."); ok {
						v, err := getByPath(item, attr)
						if err != nil {
							return nil, fmt.Errorf("map: %w", err)
						}
						out[key] = v
						continue
					}
				}
				out[key] = path
			}
			result = append(result, out)
		}
	default:
		return nil, fmt.Errorf("map: template must be a string or object")
	}
	return result, nil
}

func sumFn(ctx context.Context, e *Evaluator, args map[string]any, token string) (any, error) {
	arr, ok := args["array"].([]any)
	if !ok {
		return nil, fmt.Errorf("sum: array argument must be a list")
	}
	itemPath, _ := args["item_path"].(string)
	attr, ok := strings.CutPrefix(itemPath, "item.")
	if !ok {
		return nil, fmt.Errorf("sum: item_path must be in format \"item.X\"")
	}
	total := 0.0
	for _, item := range arr {
		v, err := getByPath(item, attr)
		if err != nil {
			return nil, fmt.Errorf("sum: %w", err)
		}
		f, ok := toNumber(v)
		if !ok {
			return nil, fmt.Errorf("sum: attribute %q is not a number", attr)
		}
		total += f
	}
	return total, nil
}

func ifFn(ctx context.Context, e *Evaluator, args map[string]any, token string) (any, error) {
	return truthy(args["condition"]), nil
}

func filterFn(ctx context.Context, e *Evaluator, args map[string]any, token string) (any, error) {
	arr, ok := args["array"].([]any)
	if !ok {
		return nil, fmt.Errorf("filter: array argument must be a list")
	}
	condition, ok := args["condition"].(string)
	if !ok {
		return nil, fmt.Errorf("filter: condition must be a string")
	}
	result := make([]any, 0, len(arr))
	for _, item := range arr {
		matched, err := evaluateItemExpression(item, condition)
		if err != nil {
			return nil, fmt.Errorf("filter: %w", err)
		}
		if matched {
			result = append(result, item)
		}
	}
	return result, nil
}

func groupBy(ctx context.Context, e *Evaluator, args map[string]any, token string) (any, error) {
	arr, ok := args["array"].([]any)
	if !ok {
		return nil, fmt.Errorf("group_by: array argument must be a list")
	}
	keyPath, _ := args["key_path"].(string)
	attr, ok := strings.CutPrefix(keyPath, "item.")
	if !ok {
		return nil, fmt.Errorf("group_by: key_path must be in format \"item.X\"")
	}
	groups := make(map[string][]any)
	order := make([]string, 0)
	for _, item := range arr {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("group_by: array items must be objects")
		}
		v, ok := obj[attr]
		if !ok {
			return nil, fmt.Errorf("group_by: attribute %q not found in array item", attr)
		}
		key := fmt.Sprint(v)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], item)
	}
	out := make(map[string]any, len(groups))
	for _, k := range order {
		out[k] = groups[k]
	}
	return out, nil
}

func sortFn(ctx context.Context, e *Evaluator, args map[string]any, token string) (any, error) {
	arr, ok := args["array"].([]any)
	if !ok {
		return nil, fmt.Errorf("sort: array argument must be a list")
	}
	keyPath, _ := args["key_path"].(string)
	direction, _ := args["direction"].(string)
	if direction == "" {
		direction = "asc"
	}
	if direction != "asc" && direction != "desc" {
		return nil, fmt.Errorf("sort: direction must be \"asc\" or \"desc\"")
	}
	sorted := append([]any(nil), arr...)

	less := func(a, b any) bool {
		fa, aok := toNumber(a)
		fb, bok := toNumber(b)
		if aok && bok {
			return fa < fb
		}
		return fmt.Sprint(a) < fmt.Sprint(b)
	}

	if keyPath == "" {
		sort.SliceStable(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })
	} else {
		attr, ok := strings.CutPrefix(keyPath, "item.")
		if !ok {
			return nil, fmt.Errorf("sort: key_path must be in format \"item.X\"")
		}
		var sortErr error
		sort.SliceStable(sorted, func(i, j int) bool {
			vi, err := getByPath(sorted[i], attr)
			if err != nil {
				sortErr = err
				return false
			}
			vj, err := getByPath(sorted[j], attr)
			if err != nil {
				sortErr = err
				return false
			}
			return less(vi, vj)
		})
		if sortErr != nil {
			return nil, fmt.Errorf("sort: %w", sortErr)
		}
	}
	if direction == "desc" {
		for i, j := 0, len(sorted)-1; i < j; i, j = i+1, j-1 {
			sorted[i], sorted[j] = sorted[j], sorted[i]
		}
	}
	return sorted, nil
}

func unique(ctx context.Context, e *Evaluator, args map[string]any, token string) (any, error) {
	arr, ok := args["array"].([]any)
	if !ok {
		return nil, fmt.Errorf("unique: array argument must be a list")
	}
	seen := make(map[string]struct{}, len(arr))
	out := make([]any, 0, len(arr))
	for _, item := range arr {
		key, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("unique: %w", err)
		}
		if _, ok := seen[string(key)]; ok {
			continue
		}
		seen[string(key)] = struct{}{}
		out = append(out, item)
	}
	return out, nil
}

func flatten(ctx context.Context, e *Evaluator, args map[string]any, token string) (any, error) {
	arr, ok := args["array"].([]any)
	if !ok {
		return nil, fmt.Errorf("flatten: array argument must be a list")
	}
	out := make([]any, 0, len(arr))
	for _, item := range arr {
		if nested, ok := item.([]any); ok {
			out = append(out, nested...)
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func listFiles(ctx context.Context, e *Evaluator, args map[string]any, token string) (any, error) {
	dir, _ := args["directory_path"].(string)
	pattern, _ := args["pattern"].(string)
	return e.cached(ctx, fmt.Sprintf("list_files:%s:%s", dir, pattern), func() (any, error) {
		if e.storage == nil {
			return nil, fmt.Errorf("list_files requires a storage collaborator")
		}
		files, err := e.storage.ListFiles(ctx, token, dir)
		if err != nil {
			return nil, err
		}
		paths := make([]any, 0, len(files))
		for _, f := range files {
			if pattern != "" {
				matched, err := globMatch(pattern, f.FilePath)
				if err != nil {
					return nil, err
				}
				if !matched {
					continue
				}
			}
			paths = append(paths, f.FilePath)
			if len(paths) >= 50 {
				break
			}
		}
		return paths, nil
	})
}

func listFileVersions(ctx context.Context, e *Evaluator, args map[string]any, token string) (any, error) {
	filePath, _ := args["file_path"].(string)
	return e.cached(ctx, "list_file_versions:"+filePath, func() (any, error) {
		if e.storage == nil {
			return nil, fmt.Errorf("list_file_versions requires a storage collaborator")
		}
		versions, err := e.storage.ListFileVersions(ctx, token, filePath)
		if err != nil {
			return nil, err
		}
		out := make([]any, len(versions))
		for i, v := range versions {
			out[i] = map[string]any{"file_path": v.FilePath, "version_id": v.VersionID, "created_on": v.CreatedOn}
		}
		return out, nil
	})
}

func describeVersion(ctx context.Context, e *Evaluator, args map[string]any, token string) (any, error) {
	filePath, _ := args["file_path"].(string)
	versionID, _ := args["version_id"].(string)
	return e.cached(ctx, fmt.Sprintf("describe_version:%s:%s", filePath, versionID), func() (any, error) {
		if e.storage == nil {
			return nil, fmt.Errorf("describe_version requires a storage collaborator")
		}
		meta, err := e.storage.DescribeFileVersion(ctx, token, filePath, versionID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"file_path": meta.FilePath, "version_id": meta.VersionID, "created_on": meta.CreatedOn}, nil
	})
}

func readFile(ctx context.Context, e *Evaluator, args map[string]any, token string) (any, error) {
	filePath, _ := args["file_path"].(string)
	versionID, _ := args["version_id"].(string)
	return e.cached(ctx, fmt.Sprintf("read_file:%s:%s", filePath, versionID), func() (any, error) {
		if e.storage == nil {
			return nil, fmt.Errorf("read_file requires a storage collaborator")
		}
		content, err := e.storage.GetFileVersion(ctx, token, filePath, versionID)
		if err != nil {
			return nil, err
		}
		return content.Data, nil
	})
}

func readFiles(ctx context.Context, e *Evaluator, args map[string]any, token string) (any, error) {
	filePaths, ok := args["file_paths"].([]any)
	if !ok {
		return nil, fmt.Errorf("read_files: file_paths must be a list")
	}
	if len(filePaths) > 5 {
		return nil, fmt.Errorf("read_files: limited to 5 files maximum")
	}
	out := make([]any, 0, len(filePaths))
	for _, p := range filePaths {
		path, ok := p.(string)
		if !ok {
			return nil, fmt.Errorf("read_files: file path must be a string")
		}
		content, err := readFile(ctx, e, map[string]any{"file_path": path}, token)
		if err != nil {
			return nil, err
		}
		out = append(out, content)
	}
	return out, nil
}

// cached memoizes operation under cacheKey for the lifetime of e (spec.md
// §4.4.1 "Cache identical storage reads within a transform evaluation").
func (e *Evaluator) cached(ctx context.Context, cacheKey string, operation func() (any, error)) (any, error) {
	if v, ok := e.cache[cacheKey]; ok {
		return v, nil
	}
	v, err := operation()
	if err != nil {
		return nil, err
	}
	e.cache[cacheKey] = v
	return v, nil
}

func getByPath(obj any, path string) (any, error) {
	current := obj
	for _, part := range strings.Split(path, ".") {
		switch c := current.(type) {
		case map[string]any:
			v, ok := c[part]
			if !ok {
				return nil, fmt.Errorf("property %q not found", part)
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("property %q not found in array", part)
			}
			if idx < 0 || idx >= len(c) {
				return nil, fmt.Errorf("index %d out of range", idx)
			}
			current = c[idx]
		default:
			return nil, fmt.Errorf("property %q not found", part)
		}
	}
	return current, nil
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		switch strings.ToLower(t) {
		case "false", "", "0", "null", "none":
			return false
		default:
			return true
		}
	case float64:
		return t != 0
	default:
		return true
	}
}

func globMatch(pattern, path string) (bool, error) {
	return filepath.Match(pattern, filepath.Base(path))
}
