package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const authHeader = "x-ratio-authorization"

// HTTPClient implements Client over the storage collaborator's REST
// endpoints, grounded on the teacher's a2a/httpclient.Client request-build
// and header-forwarding pattern.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient constructs an HTTPClient against baseURL (e.g.
// "https://storage.internal"). httpClient may be nil to use a default
// client with a 30s timeout.
func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{baseURL: baseURL, http: httpClient}
}

func (c *HTTPClient) post(ctx context.Context, token, endpoint string, reqBody, respBody any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", endpoint, err)
	}

	target, err := url.JoinPath(c.baseURL, endpoint)
	if err != nil {
		return fmt.Errorf("build %s url: %w", endpoint, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", endpoint, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(authHeader, token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("call %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("storage %s: not found", endpoint)
	}
	if resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("storage %s: access denied", endpoint)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("storage %s: unexpected status %d", endpoint, resp.StatusCode)
	}
	if respBody == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(respBody)
}

func (c *HTTPClient) DescribeFile(ctx context.Context, token, filePath string) (FileMetadata, error) {
	var resp FileMetadata
	err := c.post(ctx, token, "describe_file", map[string]any{"file_path": filePath}, &resp)
	return resp, err
}

func (c *HTTPClient) DescribeFileVersion(ctx context.Context, token, filePath, versionID string) (VersionMetadata, error) {
	var resp VersionMetadata
	err := c.post(ctx, token, "describe_file_version", map[string]any{"file_path": filePath, "version_id": versionID}, &resp)
	return resp, err
}

func (c *HTTPClient) GetFileVersion(ctx context.Context, token, filePath, versionID string) (VersionContent, error) {
	var resp VersionContent
	err := c.post(ctx, token, "get_file_version", map[string]any{"file_path": filePath, "version_id": versionID}, &resp)
	return resp, err
}

func (c *HTTPClient) PutFile(ctx context.Context, token, filePath string, contentType ContentType, metadata map[string]any, permissions string) (FileMetadata, error) {
	var resp FileMetadata
	err := c.post(ctx, token, "put_file", map[string]any{
		"file_path": filePath, "file_type": contentType, "metadata": metadata, "permissions": permissions,
	}, &resp)
	return resp, err
}

func (c *HTTPClient) PutFileVersion(ctx context.Context, token, filePath, data string, metadata map[string]any) (VersionMetadata, error) {
	var resp VersionMetadata
	err := c.post(ctx, token, "put_file_version", map[string]any{
		"file_path": filePath, "data": data, "metadata": metadata, "origin": "internal",
	}, &resp)
	return resp, err
}

func (c *HTTPClient) ValidateFileAccess(ctx context.Context, token, filePath string, requested []Permission) (AccessResult, error) {
	var resp AccessResult
	err := c.post(ctx, token, "validate_file_access", map[string]any{
		"file_path": filePath, "requested_permission_names": requested,
	}, &resp)
	return resp, err
}

func (c *HTTPClient) ListFiles(ctx context.Context, token, directoryPath string) ([]FileMetadata, error) {
	var resp []FileMetadata
	err := c.post(ctx, token, "list_files", map[string]any{"file_path": directoryPath}, &resp)
	return resp, err
}

func (c *HTTPClient) ListFileVersions(ctx context.Context, token, filePath string) ([]VersionMetadata, error) {
	var resp []VersionMetadata
	err := c.post(ctx, token, "list_file_versions", map[string]any{"file_path": filePath}, &resp)
	return resp, err
}
