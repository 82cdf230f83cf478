package capability

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nugget/parley/internal/docs"
	"github.com/nugget/parley/internal/tools"
)

// ReadResume returns the read_resume tool, which reads the document at
// path.
func ReadResume(reader *docs.Reader, path string) *tools.Tool {
	return &tools.Tool{
		Name:        "read_resume",
		Description: "Read the user's resume. Use this before answering any question about their experience, skills or background.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			if path == "" {
				return "", fmt.Errorf("%w: no resume configured", docs.ErrUnreadable)
			}
			text, err := reader.Text(path)
			if err != nil {
				return "", err
			}
			return truncate("Resume:\n" + text), nil
		},
	}
}

// ReadFile returns the read_file tool. PDF and HTML files are extracted
// page by page; anything else is returned as raw text. A non-empty
// workspace confines reads to that directory.
func ReadFile(reader *docs.Reader, workspace string) *tools.Tool {
	return &tools.Tool{
		Name:        "read_file",
		Description: "Read a file and return its text. PDF and HTML documents are converted to plain text.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Path of the file to read.",
				},
			},
			"required": []string{"path"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path := strings.TrimSpace(tools.StringArg(args, "path"))
			if path == "" {
				return "", fmt.Errorf("path is required")
			}
			abs, err := resolvePath(workspace, path)
			if err != nil {
				return "", err
			}

			if docs.IsDocument(abs) {
				text, err := reader.Text(abs)
				if err != nil {
					return "", err
				}
				return truncate(text), nil
			}

			data, err := os.ReadFile(abs)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return "", fmt.Errorf("file not found: %s", path)
				}
				return "", fmt.Errorf("failed to read file: %w", err)
			}
			return truncate(string(data)), nil
		},
	}
}

// resolvePath makes path absolute. With a workspace, relative paths are
// taken from the workspace and the result must stay inside it.
func resolvePath(workspace, path string) (string, error) {
	if workspace == "" {
		return filepath.Abs(path)
	}

	root, err := filepath.Abs(workspace)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace: %w", err)
	}

	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Join(root, path)
	}

	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return abs, nil
}
