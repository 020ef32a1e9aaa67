package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"dprod/internal/errdefs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTarGz(t *testing.T, entries map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for name, content := range entries {
		hdr := &tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestExtractTarGz(t *testing.T) {
	t.Parallel()

	dest := t.TempDir()
	data := makeTarGz(t, map[string]string{
		"package.json":  `{"name":"demo"}`,
		"src/server.js": "console.log('hi')",
	})

	n, err := ExtractTarGz(data, dest)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	content, err := os.ReadFile(filepath.Join(dest, "src", "server.js"))
	require.NoError(t, err)
	assert.Equal(t, "console.log('hi')", string(content))
}

func TestExtractTarGzEmptyBundle(t *testing.T) {
	t.Parallel()

	_, err := ExtractTarGz(nil, t.TempDir())
	require.Error(t, err)
	assert.Equal(t, errdefs.KindExtraction, errdefs.KindOf(err))
}

func TestExtractTarGzInvalidGzip(t *testing.T) {
	t.Parallel()

	_, err := ExtractTarGz([]byte("not a gzip stream"), t.TempDir())
	require.Error(t, err)
	assert.Equal(t, errdefs.KindExtraction, errdefs.KindOf(err))
}

func TestExtractTarGzNoFiles(t *testing.T) {
	t.Parallel()

	_, err := ExtractTarGz(makeTarGz(t, nil), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no files")
}

func TestExtractTarGzDropsTraversal(t *testing.T) {
	t.Parallel()

	dest := t.TempDir()
	data := makeTarGz(t, map[string]string{
		"../escape.txt": "outside",
		"inside.txt":    "inside",
	})

	n, err := ExtractTarGz(data, dest)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = os.Stat(filepath.Join(filepath.Dir(dest), "escape.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtractTarGzDropsSkipListed(t *testing.T) {
	t.Parallel()

	dest := t.TempDir()
	data := makeTarGz(t, map[string]string{
		"node_modules/express/index.js": "module.exports = {}",
		".env":                          "SECRET=1",
		"app.js":                        "ok",
	})

	n, err := ExtractTarGz(data, dest)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = os.Stat(filepath.Join(dest, "node_modules"))
	assert.True(t, os.IsNotExist(err))
}

func TestWriteFileMap(t *testing.T) {
	t.Parallel()

	dest := t.TempDir()
	files := map[string]string{
		"main.py":          base64.StdEncoding.EncodeToString([]byte("print('hi')")),
		"requirements.txt": base64.StdEncoding.EncodeToString([]byte("flask\n")),
	}

	n, err := WriteFileMap(files, dest)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	content, err := os.ReadFile(filepath.Join(dest, "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hi')", string(content))
}

func TestWriteFileMapRejectsBadEncoding(t *testing.T) {
	t.Parallel()

	_, err := WriteFileMap(map[string]string{"a.txt": "%%% not base64 %%%"}, t.TempDir())
	require.Error(t, err)
	assert.Equal(t, errdefs.KindExtraction, errdefs.KindOf(err))
}

func TestWriteFileMapEmpty(t *testing.T) {
	t.Parallel()

	_, err := WriteFileMap(nil, t.TempDir())
	require.Error(t, err)
	assert.Equal(t, errdefs.KindExtraction, errdefs.KindOf(err))
}

func TestPackageDirRoundTrip(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	tree := map[string]string{
		"package.json":           `{"name":"demo"}`,
		"src/index.js":           "console.log(1)",
		"node_modules/x/y.js":    "skipped",
		".env":                   "skipped",
		"__pycache__/mod.pyc":    "skipped",
		".git/config":            "skipped",
		"docs/nested/readme.txt": "kept",
	}
	for path, content := range tree {
		full := filepath.Join(src, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}

	files, err := PackageDir(src)
	require.NoError(t, err)
	assert.Len(t, files, 3)
	assert.Contains(t, files, "package.json")
	assert.Contains(t, files, "src/index.js")
	assert.Contains(t, files, "docs/nested/readme.txt")

	dest := t.TempDir()
	n, err := WriteFileMap(files, dest)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	content, err := os.ReadFile(filepath.Join(dest, "src", "index.js"))
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", string(content))
}

func TestPackageDirEmpty(t *testing.T) {
	t.Parallel()

	_, err := PackageDir(t.TempDir())
	require.Error(t, err)
	assert.Equal(t, errdefs.KindExtraction, errdefs.KindOf(err))
}

func TestTarGzDirRoundTrip(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "src"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "node_modules", "left-pad"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "package.json"), []byte(`{"name":"a"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "src", "index.js"), []byte("console.log(1)"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "node_modules", "left-pad", "index.js"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, ".env"), []byte("SECRET=1"), 0o644))

	bundle, err := TarGzDir(src)
	require.NoError(t, err)

	dest := t.TempDir()
	n, err := ExtractTarGz(bundle, dest)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	content, err := os.ReadFile(filepath.Join(dest, "src", "index.js"))
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", string(content))

	_, err = os.Stat(filepath.Join(dest, "node_modules"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dest, ".env"))
	assert.True(t, os.IsNotExist(err))
}

func TestShouldSkip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want bool
	}{
		{"node_modules/express/index.js", true},
		{"packages/api/node_modules/x.js", true},
		{".git/HEAD", true},
		{".env", true},
		{".env.production", true},
		{"app/__pycache__/m.pyc", true},
		{"venv/bin/python", true},
		{".DS_Store", true},
		{".idea/workspace.xml", true},
		{"src/index.js", false},
		{"requirements.txt", false},
		{"environment.yaml", false},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.path, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, ShouldSkip(tc.path))
		})
	}
}
