package artifacts

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrArtifactNotFound is returned when a source reference does not name a readable file
	ErrArtifactNotFound = errors.New("artifact not found")
	// ErrInvalidReference rejects references that escape the uploads directory
	ErrInvalidReference = errors.New("invalid artifact reference")
	// ErrUnsupportedType rejects files with an extension not in the allow list
	ErrUnsupportedType = errors.New("unsupported artifact type")
)

// Artifact is a resolved, existing print file
type Artifact struct {
	Path string
	Name string
	Size int64
}

// Resolver maps source references to files inside one uploads directory
type Resolver struct {
	dir     string
	allowed map[string]bool
}

// NewResolver creates a resolver rooted at dir. An empty extension list allows everything.
func NewResolver(dir string, extensions []string) (*Resolver, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve uploads dir %s: %w", dir, err)
	}
	r := &Resolver{dir: abs, allowed: make(map[string]bool, len(extensions))}
	for _, ext := range extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		r.allowed[ext] = true
	}
	return r, nil
}

// Dir returns the uploads directory
func (r *Resolver) Dir() string {
	return r.dir
}

// Resolve turns a reference (relative name or absolute path under the uploads dir) into an artifact
func (r *Resolver) Resolve(ref string) (*Artifact, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrInvalidReference)
	}

	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.dir, path)
	}
	path = filepath.Clean(path)
	if path != r.dir && !strings.HasPrefix(path, r.dir+string(filepath.Separator)) {
		return nil, fmt.Errorf("%w: %s is outside %s", ErrInvalidReference, ref, r.dir)
	}

	if len(r.allowed) > 0 && !r.allowed[strings.ToLower(filepath.Ext(path))] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, filepath.Ext(path))
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, ref)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrArtifactNotFound, ref)
	}

	return &Artifact{Path: path, Name: filepath.Base(path), Size: info.Size()}, nil
}

// Exists reports whether path is a regular file. It lets the store check sources at enqueue time.
func (r *Resolver) Exists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrArtifactNotFound, path)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrArtifactNotFound, path)
	}
	return nil
}

// MinutesPerMiB is the rough print time per MiB of G-code
const MinutesPerMiB = 60

// EstimateMinutes estimates print duration from file size, at least one minute
func EstimateMinutes(sizeBytes int64) int {
	mib := float64(sizeBytes) / (1024 * 1024)
	minutes := int(math.Round(mib * MinutesPerMiB))
	if minutes < 1 {
		return 1
	}
	return minutes
}
