package fsws

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkspace_WriteReadList(t *testing.T) {
	base := t.TempDir()
	ws := NewWorkspace(base, nil)
	ctx := context.Background()
	dir := ws.ProjectDir("proj-1")

	require.NoError(t, ws.WriteFile(ctx, dir, "index.html", []byte("<canvas>")))
	require.NoError(t, ws.WriteFile(ctx, dir, "src/game.js", []byte("let x = 1;")))

	data, err := ws.ReadFile(ctx, dir, "src/game.js")
	require.NoError(t, err)
	assert.Equal(t, "let x = 1;", string(data))

	files, err := ws.ListFiles(ctx, dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"index.html", "src/game.js"}, files)
}

func TestWorkspace_ListIgnoresPatterns(t *testing.T) {
	base := t.TempDir()
	ws := NewWorkspace(base, nil)
	ctx := context.Background()
	dir := ws.ProjectDir("proj-1")

	require.NoError(t, ws.WriteFile(ctx, dir, "game.js", []byte("x")))
	require.NoError(t, ws.WriteFile(ctx, dir, "node_modules/lib/index.js", []byte("x")))
	require.NoError(t, ws.WriteFile(ctx, dir, "debug.log", []byte("x")))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git", "objects"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref"), 0o644))

	files, err := ws.ListFiles(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"game.js"}, files)
}

func TestWorkspace_MissingProjectIsEmpty(t *testing.T) {
	ws := NewWorkspace(t.TempDir(), nil)

	files, err := ws.ListFiles(context.Background(), ws.ProjectDir("nope"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestWorkspace_RejectsTraversal(t *testing.T) {
	base := t.TempDir()
	ws := NewWorkspace(base, nil)
	ctx := context.Background()
	dir := ws.ProjectDir("proj-1")

	err := ws.WriteFile(ctx, dir, "../../etc/passwd", []byte("pwned"))
	assert.Error(t, err)

	_, err = ws.ReadFile(ctx, dir, "../other-project/game.js")
	assert.Error(t, err)
}

func TestWorkspace_ProjectDirSanitizesID(t *testing.T) {
	ws := NewWorkspace("/data", nil)
	// Path separators in an ID must not escape the projects tree.
	dir := ws.ProjectDir("../../evil")
	assert.Equal(t, filepath.Join("/data", "projects", "evil"), dir)
}
