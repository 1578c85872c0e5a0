package storage

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// InmemClient is an in-memory fake of Client for tests and local
// development. It grants every requested permission to every token.
type InmemClient struct {
	mu    sync.RWMutex
	files map[string]*inmemFile
}

type inmemFile struct {
	meta     FileMetadata
	versions []VersionMetadata
	content  []string
}

var _ Client = (*InmemClient)(nil)

// NewInmemClient constructs an empty InmemClient.
func NewInmemClient() *InmemClient {
	return &InmemClient{files: make(map[string]*inmemFile)}
}

func (c *InmemClient) DescribeFile(_ context.Context, _, filePath string) (FileMetadata, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.files[filePath]
	if !ok {
		return FileMetadata{}, fmt.Errorf("storage: file %q not found", filePath)
	}
	return f.meta, nil
}

func (c *InmemClient) DescribeFileVersion(_ context.Context, _, filePath, versionID string) (VersionMetadata, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.files[filePath]
	if !ok || len(f.versions) == 0 {
		return VersionMetadata{}, fmt.Errorf("storage: file %q not found", filePath)
	}
	if versionID == "" {
		return f.versions[len(f.versions)-1], nil
	}
	for _, v := range f.versions {
		if v.VersionID == versionID {
			return v, nil
		}
	}
	return VersionMetadata{}, fmt.Errorf("storage: version %q not found for %q", versionID, filePath)
}

func (c *InmemClient) GetFileVersion(_ context.Context, _, filePath, versionID string) (VersionContent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.files[filePath]
	if !ok || len(f.content) == 0 {
		return VersionContent{}, fmt.Errorf("storage: file %q not found", filePath)
	}
	idx := len(f.content) - 1
	if versionID != "" {
		found := false
		for i, v := range f.versions {
			if v.VersionID == versionID {
				idx, found = i, true
				break
			}
		}
		if !found {
			return VersionContent{}, fmt.Errorf("storage: version %q not found for %q", versionID, filePath)
		}
	}
	return VersionContent{Data: f.content[idx], Details: map[string]any{"version_id": f.versions[idx].VersionID}}, nil
}

func (c *InmemClient) PutFile(_ context.Context, _, filePath string, contentType ContentType, metadata map[string]any, permissions string) (FileMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	meta := FileMetadata{FilePath: filePath, ContentType: contentType, Permissions: permissions, Extra: metadata}
	if existing, ok := c.files[filePath]; ok {
		existing.meta = meta
		return meta, nil
	}
	c.files[filePath] = &inmemFile{meta: meta}
	return meta, nil
}

func (c *InmemClient) PutFileVersion(_ context.Context, _, filePath, data string, metadata map[string]any) (VersionMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[filePath]
	if !ok {
		f = &inmemFile{meta: FileMetadata{FilePath: filePath, ContentType: ContentTypeAgentIO, Extra: metadata}}
		c.files[filePath] = f
	}
	version := VersionMetadata{FilePath: filePath, VersionID: strconv.Itoa(len(f.versions) + 1)}
	f.versions = append(f.versions, version)
	f.content = append(f.content, data)
	return version, nil
}

func (c *InmemClient) ValidateFileAccess(_ context.Context, _, _ string, _ []Permission) (AccessResult, error) {
	return AccessResult{EntityHasAccess: true}, nil
}

func (c *InmemClient) ListFiles(_ context.Context, _, directoryPath string) ([]FileMetadata, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	prefix := strings.TrimSuffix(directoryPath, "/") + "/"
	var out []FileMetadata
	for p, f := range c.files {
		if strings.HasPrefix(p, prefix) && path.Dir(p) == strings.TrimSuffix(directoryPath, "/") {
			out = append(out, f.meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out, nil
}

func (c *InmemClient) ListFileVersions(_ context.Context, _, filePath string) ([]VersionMetadata, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.files[filePath]
	if !ok {
		return nil, nil
	}
	out := make([]VersionMetadata, len(f.versions))
	copy(out, f.versions)
	return out, nil
}
