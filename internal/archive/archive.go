// DPROD Bundle Archive
// Extraction and packaging of uploaded project bundles. Uploads arrive as
// gzip-compressed tarballs; queued jobs carry the same tree as a base64
// file map so it fits inside an SQS message body.

// Package archive handles project bundle extraction and packaging for DPROD.
package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"dprod/internal/errdefs"
)

// Paths that never belong in a build context. Matching is substring-based
// so nested occurrences (e.g. packages/a/node_modules/) are caught too.
var skipPaths = []string{
	"node_modules/",
	".git/",
	".env",
	".env.local",
	".env.development",
	".env.production",
	"__pycache__/",
	".pyc",
	"venv/",
	".venv/",
	"target/",
	".DS_Store",
	"Thumbs.db",
	".idea/",
	".vscode/",
}

// ShouldSkip reports whether a bundle-relative path is excluded from
// packaging and extraction.
func ShouldSkip(path string) bool {
	for _, skip := range skipPaths {
		if strings.Contains(path, skip) {
			return true
		}
	}
	return false
}

// ExtractTarGz unpacks a gzip-compressed tar bundle into dest and returns
// the number of regular files written. Entries that would escape dest,
// along with symlinks and devices, are dropped rather than written.
func ExtractTarGz(data []byte, dest string) (int, error) {
	if len(data) == 0 {
		return 0, errdefs.Extraction(errors.New("empty bundle"))
	}

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return 0, errdefs.Extraction(fmt.Errorf("invalid gzip stream: %w", err))
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	extracted := 0

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return extracted, errdefs.Extraction(fmt.Errorf("corrupt tar stream: %w", err))
		}

		name := filepath.Clean(hdr.Name)
		if name == "." || ShouldSkip(hdr.Name) {
			continue
		}

		target, ok := securePath(dest, name)
		if !ok {
			// Path escapes the extraction root, drop it.
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return extracted, errdefs.Extraction(fmt.Errorf("create directory %s: %w", name, err))
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return extracted, errdefs.Extraction(fmt.Errorf("create directory for %s: %w", name, err))
			}
			mode := fs.FileMode(hdr.Mode).Perm()
			if mode == 0 {
				mode = 0o644
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
			if err != nil {
				return extracted, errdefs.Extraction(fmt.Errorf("create file %s: %w", name, err))
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return extracted, errdefs.Extraction(fmt.Errorf("write file %s: %w", name, err))
			}
			if err := f.Close(); err != nil {
				return extracted, errdefs.Extraction(fmt.Errorf("close file %s: %w", name, err))
			}
			extracted++
		default:
			// Symlinks, hard links and devices are not part of a project
			// bundle, skip them.
		}
	}

	if extracted == 0 {
		return 0, errdefs.Extraction(errors.New("bundle contains no files"))
	}
	return extracted, nil
}

// WriteFileMap materializes a base64-encoded file map into dest and returns
// the number of files written. This is the worker-side counterpart of
// PackageDir for jobs delivered over the queue.
func WriteFileMap(files map[string]string, dest string) (int, error) {
	if len(files) == 0 {
		return 0, errdefs.Extraction(errors.New("no project files provided"))
	}

	written := 0
	for name, encoded := range files {
		target, ok := securePath(dest, filepath.Clean(name))
		if !ok {
			continue
		}

		content, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return written, errdefs.Extraction(fmt.Errorf("decode file %s: %w", name, err))
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return written, errdefs.Extraction(fmt.Errorf("create directory for %s: %w", name, err))
		}
		if err := os.WriteFile(target, content, 0o644); err != nil {
			return written, errdefs.Extraction(fmt.Errorf("write file %s: %w", name, err))
		}
		written++
	}

	if written == 0 {
		return 0, errdefs.Extraction(errors.New("no project files survived path filtering"))
	}
	return written, nil
}

// PackageDir encodes every deployable file under root as a base64 file map
// keyed by slash-separated relative path. Skip-listed paths and anything
// that is not a regular file are left out.
func PackageDir(root string) (map[string]string, error) {
	files := make(map[string]string)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel != "." && ShouldSkip(rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || ShouldSkip(rel) {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[rel] = base64.StdEncoding.EncodeToString(content)
		return nil
	})
	if err != nil {
		return nil, errdefs.Extraction(fmt.Errorf("package directory: %w", err))
	}
	if len(files) == 0 {
		return nil, errdefs.Extraction(errors.New("directory contains no deployable files"))
	}
	return files, nil
}

// TarGzDir packs every deployable file under root into a gzip-compressed
// tar bundle, the format uploads arrive in. Skip-listed paths are left
// out, so TarGzDir followed by ExtractTarGz yields the build context the
// pipeline would see for an uploaded copy of root.
func TarGzDir(root string) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel != "." && ShouldSkip(rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || ShouldSkip(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		hdr := &tar.Header{
			Name:    rel,
			Mode:    int64(info.Mode().Perm()),
			Size:    int64(len(content)),
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err = tw.Write(content)
		return err
	})
	if err != nil {
		return nil, errdefs.Extraction(fmt.Errorf("bundle directory: %w", err))
	}

	if err := tw.Close(); err != nil {
		return nil, errdefs.Extraction(fmt.Errorf("finalize tar stream: %w", err))
	}
	if err := gz.Close(); err != nil {
		return nil, errdefs.Extraction(fmt.Errorf("finalize gzip stream: %w", err))
	}
	return buf.Bytes(), nil
}

// securePath joins name onto dest and reports whether the result stays
// inside dest.
func securePath(dest, name string) (string, bool) {
	if filepath.IsAbs(name) {
		name = strings.TrimPrefix(name, string(os.PathSeparator))
	}
	target := filepath.Join(dest, name)
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return "", false
	}
	return target, true
}
