package mirror

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varnishops/gitvcl/internal/reconcile"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

func TestList_Shallow(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"a.vcl":           "a",
		"b.vcl":           "b",
		".gitkeep":        "",
		".git/config":     "[core]",
		"nested/deep.vcl": "deep",
	})
	require.NoError(t, os.Symlink(filepath.Join(dir, "a.vcl"), filepath.Join(dir, "link.vcl")))

	got, err := New(dir, testLogger()).List()
	require.NoError(t, err)
	assert.Equal(t, []string{".gitkeep", "a.vcl", "b.vcl"}, got)
}

func TestList_MissingDir(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "nope"), testLogger()).List()
	assert.Error(t, err)
}

func TestRead(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.vcl": "content"})
	m := New(dir, testLogger())

	got, err := m.Read("a.vcl")
	require.NoError(t, err)
	assert.Equal(t, "content", string(got))

	_, err = m.Read("../a.vcl")
	assert.ErrorIs(t, err, reconcile.ErrUnsafeName)
}

func TestApply(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"old.vcl": "old", "keep.vcl": "v1"})
	m := New(dir, testLogger())

	plan := &reconcile.Plan{
		ToWrite: []reconcile.Write{
			{Artifact: reconcile.Artifact{ID: "1", Name: "new.vcl"}, Content: []byte("new"), Created: true},
			{Artifact: reconcile.Artifact{ID: "2", Name: "keep.vcl"}, Content: []byte("v2")},
			{Artifact: reconcile.Artifact{ID: "3", Name: "empty.vcl"}, Content: []byte{}, Created: true},
		},
		ToDelete: []string{"old.vcl", "already-gone.vcl"},
		Dirty:    true,
	}
	require.NoError(t, m.Apply(plan))

	names, err := m.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"empty.vcl", "keep.vcl", "new.vcl"}, names)

	got, err := os.ReadFile(filepath.Join(dir, "keep.vcl"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))

	info, err := os.Stat(filepath.Join(dir, "new.vcl"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(filePerm), info.Mode().Perm())

	info, err = os.Stat(filepath.Join(dir, "empty.vcl"))
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestApply_RejectsUnsafeName(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "mirror")
	require.NoError(t, os.MkdirAll(dir, 0755))
	m := New(dir, testLogger())

	plan := &reconcile.Plan{
		ToWrite: []reconcile.Write{{Artifact: reconcile.Artifact{Name: "../escape.vcl"}, Content: []byte("x")}},
		Dirty:   true,
	}
	err := m.Apply(plan)
	assert.ErrorIs(t, err, reconcile.ErrUnsafeName)

	_, statErr := os.Stat(filepath.Join(root, "escape.vcl"))
	assert.True(t, os.IsNotExist(statErr))

	err = m.Apply(&reconcile.Plan{ToDelete: []string{"../mirror"}, Dirty: true})
	assert.ErrorIs(t, err, reconcile.ErrUnsafeName)
}

func TestApply_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, testLogger())

	plan := &reconcile.Plan{
		ToWrite: []reconcile.Write{{Artifact: reconcile.Artifact{Name: "a.vcl"}, Content: []byte("a"), Created: true}},
		Dirty:   true,
	}
	require.NoError(t, m.Apply(plan))

	matches, err := filepath.Glob(filepath.Join(dir, ".gitvcl-tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestApply_DeletesBackslashStray(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{`notes\old.vcl`: "stray"})
	m := New(dir, testLogger())

	names, err := m.List()
	require.NoError(t, err)
	require.Equal(t, []string{`notes\old.vcl`}, names)

	plan, err := reconcile.Reconcile(nil, names, m.Read)
	require.NoError(t, err)
	require.Equal(t, []string{`notes\old.vcl`}, plan.ToDelete)
	require.NoError(t, m.Apply(plan))

	names, err = m.List()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestList_SkipsGitfile(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{".git": "gitdir: /elsewhere", "a.vcl": "a"})

	got, err := New(dir, testLogger()).List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.vcl"}, got)
}
