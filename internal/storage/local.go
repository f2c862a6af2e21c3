package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalExporter は変換済みのファイルをローカルディレクトリへ書き出します。
// 保存先: <root>/<jobID>/<filename>
type LocalExporter struct {
	root string
}

// NewLocalExporter は LocalExporter を作成します。root が存在しなければ作成します。
func NewLocalExporter(root string) (*LocalExporter, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("export directory is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create export directory: %w", err)
	}
	return &LocalExporter{root: root}, nil
}

// Save はファイルを一時ファイル経由で書き込み、保存先のパスを返します。
func (e *LocalExporter) Save(ctx context.Context, jobID, filename string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir, err := e.safeJoin(jobID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	if filename == "" || filepath.Base(filename) != filename || filename == "." || filename == ".." {
		return "", fmt.Errorf("invalid file name %q", filename)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}

	target := filepath.Join(dir, filename)
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	return target, nil
}

func (e *LocalExporter) safeJoin(jobID string) (string, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" || jobID == "." || jobID == ".." || strings.ContainsAny(jobID, `/\`) {
		return "", fmt.Errorf("invalid job id %q", jobID)
	}
	return filepath.Join(e.root, jobID), nil
}
