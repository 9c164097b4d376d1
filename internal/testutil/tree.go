package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// MinimalPDF is the content written for fixture documents
const MinimalPDF = "%PDF-1.4\n%%EOF\n"

// WriteTree creates the given files, relative to root, with MinimalPDF
// content and returns their absolute paths in argument order
func WriteTree(t *testing.T, root string, files ...string) []string {
	t.Helper()
	paths := make([]string, 0, len(files))
	for _, rel := range files {
		p := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("failed to create directory for %s: %v", rel, err)
		}
		if err := os.WriteFile(p, []byte(MinimalPDF), 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", rel, err)
		}
		paths = append(paths, p)
	}
	return paths
}

// CanonicalTempDir returns t.TempDir with symlinks resolved, so paths built
// under it compare equal to scanned file ids
func CanonicalTempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("failed to resolve temp dir: %v", err)
	}
	return dir
}
