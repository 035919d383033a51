package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"research_agent/internal/domain"
)

type ArtifactLogger interface {
	CreateArtifact(ctx context.Context, artifact domain.Artifact) error
}

// Gateway writes run artifacts under a workspace root and indexes them.
type Gateway struct {
	root   string
	logger ArtifactLogger
}

type ArtifactInput struct {
	ProjectID     string
	BatchID       string
	ProducerAgent string
	Kind          string
	Path          string
}

func NewGateway(root string, logger ArtifactLogger) (*Gateway, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create root path: %w", err)
	}
	return &Gateway{
		root:   absRoot,
		logger: logger,
	}, nil
}

func (g *Gateway) Root() string {
	return g.root
}

func (g *Gateway) WriteArtifact(ctx context.Context, in ArtifactInput, content []byte) (domain.Artifact, error) {
	absPath, normalized, err := g.resolve(in.Path)
	if err != nil {
		return domain.Artifact{}, err
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return domain.Artifact{}, fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(absPath, content, 0o644); err != nil {
		return domain.Artifact{}, fmt.Errorf("write file: %w", err)
	}

	sum := sha256.Sum256(content)
	artifact := domain.Artifact{
		ID:            uuid.NewString(),
		ProjectID:     in.ProjectID,
		BatchID:       in.BatchID,
		ProducerAgent: in.ProducerAgent,
		Kind:          in.Kind,
		URI:           normalized,
		Checksum:      hex.EncodeToString(sum[:]),
		CreatedAt:     time.Now().UTC(),
	}
	if err := g.logger.CreateArtifact(ctx, artifact); err != nil {
		return domain.Artifact{}, fmt.Errorf("log artifact: %w", err)
	}
	return artifact, nil
}

func (g *Gateway) ReadFile(relPath string) ([]byte, error) {
	absPath, _, err := g.resolve(relPath)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return content, nil
}

func (g *Gateway) resolve(relPath string) (absolute string, normalized string, err error) {
	normalized = strings.ReplaceAll(strings.TrimSpace(relPath), "\\", "/")
	normalized = strings.TrimPrefix(normalized, "./")
	normalized = strings.TrimPrefix(normalized, "/")
	if normalized == "" || normalized == "." {
		return "", "", fmt.Errorf("invalid relative path %q", relPath)
	}

	abs := filepath.Join(g.root, filepath.FromSlash(normalized))
	absClean := filepath.Clean(abs)
	absRoot := filepath.Clean(g.root)

	rel, err := filepath.Rel(absRoot, absClean)
	if err != nil {
		return "", "", fmt.Errorf("resolve relative path: %w", err)
	}
	if strings.HasPrefix(rel, "..") || rel == "." {
		return "", "", fmt.Errorf("path escapes workspace root: %q", relPath)
	}
	return absClean, strings.ReplaceAll(rel, "\\", "/"), nil
}
