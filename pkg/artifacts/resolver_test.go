package artifacts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResolver(t *testing.T) *Resolver {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "benchy.gcode"), make([]byte, 2048), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.stl"), []byte("solid"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.gcode"), 0755))

	r, err := NewResolver(dir, []string{".gcode", "g", ".BGCODE"})
	require.NoError(t, err)
	return r
}

func TestResolve(t *testing.T) {
	r := newResolver(t)

	a, err := r.Resolve("benchy.gcode")
	require.NoError(t, err)
	assert.Equal(t, "benchy.gcode", a.Name)
	assert.Equal(t, int64(2048), a.Size)
	assert.Equal(t, filepath.Join(r.Dir(), "benchy.gcode"), a.Path)

	abs, err := r.Resolve(a.Path)
	require.NoError(t, err)
	assert.Equal(t, a.Path, abs.Path)
}

func TestResolveErrors(t *testing.T) {
	r := newResolver(t)

	tests := []struct {
		ref  string
		want error
	}{
		{"", ErrInvalidReference},
		{"../etc/passwd.gcode", ErrInvalidReference},
		{"/etc/passwd", ErrInvalidReference},
		{"model.stl", ErrUnsupportedType},
		{"missing.gcode", ErrArtifactNotFound},
		{"sub.gcode", ErrArtifactNotFound},
	}
	for _, tt := range tests {
		_, err := r.Resolve(tt.ref)
		assert.ErrorIs(t, err, tt.want, tt.ref)
	}
}

func TestExists(t *testing.T) {
	r := newResolver(t)
	assert.NoError(t, r.Exists(filepath.Join(r.Dir(), "benchy.gcode")))
	assert.ErrorIs(t, r.Exists(filepath.Join(r.Dir(), "nope.gcode")), ErrArtifactNotFound)
	assert.ErrorIs(t, r.Exists(r.Dir()), ErrArtifactNotFound)
}

func TestEstimateMinutes(t *testing.T) {
	assert.Equal(t, 1, EstimateMinutes(0))
	assert.Equal(t, 1, EstimateMinutes(1024))
	assert.Equal(t, 60, EstimateMinutes(1024*1024))
	assert.Equal(t, 90, EstimateMinutes(1536*1024))
	assert.Equal(t, 300, EstimateMinutes(5*1024*1024))
}
