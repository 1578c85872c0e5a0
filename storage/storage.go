// Package storage defines the storage collaborator interface described in
// spec.md §6.1 — a versioned, permission-checked content store that is
// deliberately out of scope for this core; only its interface and an
// HTTP-backed client are implemented here, plus an in-memory fake for tests.
package storage

import (
	"context"

	"github.com/jarosser06/ratio-sub000/reference"
)

// Permission is one of the requestable access kinds for validate_file_access.
type Permission string

const (
	PermissionRead    Permission = "read"
	PermissionWrite   Permission = "write"
	PermissionExecute Permission = "execute"
)

// ContentType marks a file's stored shape (spec.md §4.4 working directory
// layout): ratio::agent_io for JSON bodies, ratio::directory for directories.
type ContentType string

const (
	ContentTypeAgentIO   ContentType = "ratio::agent_io"
	ContentTypeDirectory ContentType = "ratio::directory"
)

// FileMetadata is the response shape of describe_file.
type FileMetadata struct {
	FilePath    string         `json:"file_path"`
	ContentType ContentType    `json:"content_type"`
	Permissions string         `json:"permissions,omitempty"`
	Owner       string         `json:"owner,omitempty"`
	Extra       map[string]any `json:"-"`
}

// VersionMetadata is the response shape of describe_file_version /
// put_file_version.
type VersionMetadata struct {
	FilePath  string `json:"file_path"`
	VersionID string `json:"version_id"`
	CreatedOn string `json:"created_on,omitempty"`
}

// VersionContent is the response shape of get_file_version.
type VersionContent struct {
	Data    string         `json:"data"`
	Details map[string]any `json:"details"`
}

// AccessResult is the response shape of validate_file_access.
type AccessResult struct {
	EntityHasAccess bool `json:"entity_has_access"`
}

// Client is the subset of the storage collaborator consumed by the core
// (spec.md §6.1). All requests carry the caller's token in the
// x-ratio-authorization header, per spec.md's HTTP contract.
type Client interface {
	DescribeFile(ctx context.Context, token, filePath string) (FileMetadata, error)
	DescribeFileVersion(ctx context.Context, token, filePath, versionID string) (VersionMetadata, error)
	GetFileVersion(ctx context.Context, token, filePath, versionID string) (VersionContent, error)
	PutFile(ctx context.Context, token, filePath string, contentType ContentType, metadata map[string]any, permissions string) (FileMetadata, error)
	PutFileVersion(ctx context.Context, token, filePath, data string, metadata map[string]any) (VersionMetadata, error)
	ValidateFileAccess(ctx context.Context, token, filePath string, requested []Permission) (AccessResult, error)
	ListFiles(ctx context.Context, token, directoryPath string) ([]FileMetadata, error)
	ListFileVersions(ctx context.Context, token, filePath string) ([]VersionMetadata, error)
}

// GetFileContent fetches the latest version's content for filePath. It
// implements reference.StorageClient's simpler surface over the full Client.
func GetFileContent(ctx context.Context, client Client, token, filePath string) (string, error) {
	content, err := client.GetFileVersion(ctx, token, filePath, "")
	if err != nil {
		return "", err
	}
	return content.Data, nil
}

// DescribeFile implements reference.StorageClient's metadata accessor over
// the full Client, flattening FileMetadata into a plain map so file
// accessors like `owner` or `permissions` can be looked up generically.
func DescribeFile(ctx context.Context, client Client, token, filePath string) (map[string]any, error) {
	meta, err := client.DescribeFile(ctx, token, filePath)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"file_path":    meta.FilePath,
		"content_type": string(meta.ContentType),
		"permissions":  meta.Permissions,
		"owner":        meta.Owner,
	}
	for k, v := range meta.Extra {
		out[k] = v
	}
	return out, nil
}

// ReferenceAdapter narrows a full Client down to reference.StorageClient,
// the smaller surface the reference resolver (C1) needs to dereference
// file-typed values.
type ReferenceAdapter struct {
	Client Client
}

var _ reference.StorageClient = ReferenceAdapter{}

// NewReferenceAdapter wraps client for use as a reference.StorageClient.
func NewReferenceAdapter(client Client) ReferenceAdapter {
	return ReferenceAdapter{Client: client}
}

func (a ReferenceAdapter) DescribeFile(ctx context.Context, token, filePath string) (map[string]any, error) {
	return DescribeFile(ctx, a.Client, token, filePath)
}

func (a ReferenceAdapter) GetFileContent(ctx context.Context, token, filePath string) (string, error) {
	return GetFileContent(ctx, a.Client, token, filePath)
}
