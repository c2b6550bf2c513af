package safety

import (
	"fmt"
	"path/filepath"
	"strings"
)

// CheckSegment verifies that name is usable as exactly one path element.
// Database names from configuration end up as directory names, so anything
// that could add or remove a level of the tree is rejected.
func CheckSegment(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("path segment is empty")
	case name == "." || name == "..":
		return fmt.Errorf("path segment %q is not allowed", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("path segment %q contains a separator", name)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("path segment %q contains a NUL byte", name)
	}
	return nil
}

// JoinUnder joins segments below root, checking each one with CheckSegment,
// and verifies the result still resolves inside root.
func JoinUnder(root string, segments ...string) (string, error) {
	parts := make([]string, 0, len(segments)+1)
	parts = append(parts, root)
	for _, s := range segments {
		if err := CheckSegment(s); err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	return EnsureUnderRoot(root, filepath.Join(parts...))
}

// EnsureUnderRoot verifies candidate resolves under root and returns
// an absolute normalized path.
func EnsureUnderRoot(root, candidate string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	candAbs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve candidate: %w", err)
	}

	rel, err := filepath.Rel(rootAbs, candAbs)
	if err != nil {
		return "", fmt.Errorf("compare paths: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root: %q", candidate)
	}
	return candAbs, nil
}
