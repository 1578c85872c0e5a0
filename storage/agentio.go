package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// WriteJSON serializes v and writes it as a new version of filePath,
// creating the file with content type ratio::agent_io if it does not yet
// exist (spec.md §4.4 "Files of content-type ratio::agent_io store JSON").
func WriteJSON(ctx context.Context, client Client, token, filePath string, v any) error {
	if _, err := client.DescribeFile(ctx, token, filePath); err != nil {
		if _, err := client.PutFile(ctx, token, filePath, ContentTypeAgentIO, nil, "644"); err != nil {
			return fmt.Errorf("create %s: %w", filePath, err)
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filePath, err)
	}
	if _, err := client.PutFileVersion(ctx, token, filePath, string(data), nil); err != nil {
		return fmt.Errorf("write %s: %w", filePath, err)
	}
	return nil
}

// ReadJSON reads the latest version of filePath and decodes it into v.
func ReadJSON(ctx context.Context, client Client, token, filePath string, v any) error {
	content, err := client.GetFileVersion(ctx, token, filePath, "")
	if err != nil {
		return fmt.Errorf("read %s: %w", filePath, err)
	}
	if err := json.Unmarshal([]byte(content.Data), v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", filePath, err)
	}
	return nil
}

// EnsureDirectory creates dirPath as a ratio::directory marker if it does
// not already exist.
func EnsureDirectory(ctx context.Context, client Client, token, dirPath string) error {
	if _, err := client.DescribeFile(ctx, token, dirPath); err == nil {
		return nil
	}
	if _, err := client.PutFile(ctx, token, dirPath, ContentTypeDirectory, nil, "755"); err != nil {
		return fmt.Errorf("create directory %s: %w", dirPath, err)
	}
	return nil
}
