package build

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverProject(t *testing.T) {
	t.Run("explicit path", func(t *testing.T) {
		p, err := DiscoverProject("/src/App.xcworkspace")
		require.NoError(t, err)
		assert.Equal(t, KindWorkspace, p.Kind)
		assert.Equal(t, "App", p.Name())
	})

	t.Run("workspace preferred", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.Mkdir(filepath.Join(dir, "App.xcodeproj"), 0o755))
		require.NoError(t, os.Mkdir(filepath.Join(dir, "App.xcworkspace"), 0o755))

		p, err := DiscoverProject(dir)
		require.NoError(t, err)
		assert.Equal(t, Project{Path: filepath.Join(dir, "App.xcworkspace"), Kind: KindWorkspace}, p)
	})

	t.Run("project only", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.Mkdir(filepath.Join(dir, "B.xcodeproj"), 0o755))
		require.NoError(t, os.Mkdir(filepath.Join(dir, "A.xcodeproj"), 0o755))

		p, err := DiscoverProject(dir)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "A.xcodeproj"), p.Path)
		assert.Equal(t, KindProject, p.Kind)
	})

	t.Run("nothing", func(t *testing.T) {
		_, err := DiscoverProject(t.TempDir())
		assert.ErrorIs(t, err, ErrNoProject)
	})
}
