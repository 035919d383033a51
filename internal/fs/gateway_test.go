package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"research_agent/internal/domain"
)

type testLogger struct {
	entries []domain.Artifact
	err     error
}

func (l *testLogger) CreateArtifact(_ context.Context, artifact domain.Artifact) error {
	if l.err != nil {
		return l.err
	}
	l.entries = append(l.entries, artifact)
	return nil
}

func TestWriteArtifactIndexesFile(t *testing.T) {
	logger := &testLogger{}
	root := t.TempDir()
	gw, err := NewGateway(root, logger)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	artifact, err := gw.WriteArtifact(context.Background(), ArtifactInput{
		ProjectID:     "p1",
		BatchID:       "b1",
		ProducerAgent: "Writer",
		Kind:          "report",
		Path:          "./reports/p1/b1.md",
	}, []byte("# Report"))
	if err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	if artifact.URI != "reports/p1/b1.md" {
		t.Fatalf("unexpected uri %q", artifact.URI)
	}
	if len(artifact.Checksum) != 64 {
		t.Fatalf("expected sha256 hex checksum, got %q", artifact.Checksum)
	}
	if len(logger.entries) != 1 || logger.entries[0].ID != artifact.ID {
		t.Fatalf("expected artifact to be logged, got %+v", logger.entries)
	}

	content, err := os.ReadFile(filepath.Join(root, "reports", "p1", "b1.md"))
	if err != nil {
		t.Fatalf("read written file: %v", err)
	}
	if string(content) != "# Report" {
		t.Fatalf("unexpected content %q", content)
	}
	readBack, err := gw.ReadFile("reports/p1/b1.md")
	if err != nil || string(readBack) != "# Report" {
		t.Fatalf("read back: %q %v", readBack, err)
	}
}

func TestWriteArtifactRejectsEscapes(t *testing.T) {
	logger := &testLogger{}
	gw, err := NewGateway(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	for _, path := range []string{"../outside.md", "reports/../../x.md", "", "."} {
		if _, err := gw.WriteArtifact(context.Background(), ArtifactInput{Path: path}, []byte("x")); err == nil {
			t.Fatalf("expected error for path %q", path)
		}
	}
	if len(logger.entries) != 0 {
		t.Fatalf("rejected writes must not be indexed")
	}
}

func TestWriteArtifactSurfacesLogFailure(t *testing.T) {
	logger := &testLogger{err: errors.New("db closed")}
	gw, err := NewGateway(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	if _, err := gw.WriteArtifact(context.Background(), ArtifactInput{Path: "a.md"}, []byte("x")); err == nil {
		t.Fatalf("expected log failure to be returned")
	}
}
