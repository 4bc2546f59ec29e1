package overlay

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
)

// Overlay is an in-memory staging filesystem. It is the single handoff point
// between files proposed by the agent and files committed or deployed: nothing
// in the pipeline writes to a real directory until Materialize. Each overlay is
// owned by exactly one request.
type Overlay struct {
	fs billy.Filesystem
}

// File is one path/contents pair from the overlay.
type File struct {
	Path     string
	Contents []byte
}

// New returns an empty overlay.
func New() *Overlay {
	return &Overlay{fs: memfs.New()}
}

// SeedFrom deep-copies every regular file under dir into a fresh overlay,
// preserving relative structure. The .git directory is skipped.
func SeedFrom(dir string) (*Overlay, error) {
	o := New()
	root := filepath.Clean(dir)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return o.Write(filepath.ToSlash(rel), data)
	})
	if err != nil {
		return nil, fmt.Errorf("seed overlay from %s: %w", dir, err)
	}
	return o, nil
}

// Write stores contents at the given slash-separated relative path, creating
// parent directories as needed.
func (o *Overlay) Write(p string, contents []byte) error {
	p = normalize(p)
	if p == "" {
		return fmt.Errorf("empty overlay path")
	}
	if dir := path.Dir(p); dir != "." {
		if err := o.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	f, err := o.fs.Create(p)
	if err != nil {
		return fmt.Errorf("create %s: %w", p, err)
	}
	defer f.Close()
	if _, err := f.Write(contents); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}

// Read returns the contents at path and whether the file exists.
func (o *Overlay) Read(p string) ([]byte, bool, error) {
	p = normalize(p)
	f, err := o.fs.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Remove deletes the file at path. Removing a missing file is not an error.
func (o *Overlay) Remove(p string) error {
	p = normalize(p)
	if err := o.fs.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ListAll returns every file in the overlay, ordered by path.
func (o *Overlay) ListAll() ([]File, error) {
	var files []File
	if err := o.walk("", &files); err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (o *Overlay) walk(dir string, out *[]File) error {
	entries, err := o.fs.ReadDir(orDot(dir))
	if err != nil {
		return err
	}
	for _, entry := range entries {
		p := path.Join(dir, entry.Name())
		if entry.IsDir() {
			if err := o.walk(p, out); err != nil {
				return err
			}
			continue
		}
		data, ok, err := o.Read(p)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		*out = append(*out, File{Path: p, Contents: data})
	}
	return nil
}

// Materialize writes the overlay to a new temporary directory and returns its
// root. The caller takes ownership of the directory's lifecycle.
func (o *Overlay) Materialize() (string, error) {
	root, err := os.MkdirTemp("", "appforge-build-")
	if err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	files, err := o.ListAll()
	if err != nil {
		os.RemoveAll(root)
		return "", err
	}
	for _, f := range files {
		dst := filepath.Join(root, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			os.RemoveAll(root)
			return "", fmt.Errorf("mkdir for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(dst, f.Contents, 0o644); err != nil {
			os.RemoveAll(root)
			return "", fmt.Errorf("materialize %s: %w", f.Path, err)
		}
	}
	return root, nil
}

func normalize(p string) string {
	p = strings.TrimPrefix(filepath.ToSlash(p), "./")
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

func orDot(dir string) string {
	if dir == "" {
		return "."
	}
	return dir
}
