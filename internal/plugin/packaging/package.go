// Package packaging bundles a module and its sidecars into a single ZIP file
// and installs such bundles into a plugin directory.
//
// A bundle holds, at its root, the <name>.yaml manifest, the module it names,
// and optionally the module's .sig signature and the <name>.schema.json
// widget contract. Installing unpacks it into <plugin dir>/<name>/ where the
// loader (and its watcher) pick it up.
package packaging

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/goatkit/ludo/internal/plugin/signing"
	pkgplugin "github.com/goatkit/ludo/pkg/plugin"
)

// ErrInvalidBundle is wrapped by every error caused by a malformed bundle.
var ErrInvalidBundle = errors.New("invalid bundle")

// maxEntrySize bounds a single extracted file.
const maxEntrySize = 64 << 20

// Bundle describes a validated bundle.
type Bundle struct {
	Manifest pkgplugin.PluginManifest
	// Files are the bundle entries, slash separated and relative to the
	// bundle root.
	Files []string
	// Signed reports whether the module's signature is included.
	Signed bool
}

// Pack writes a bundle for the module described by manifestPath to
// outputPath. Sidecars that exist next to the module are included.
func Pack(manifestPath, outputPath string) (*Bundle, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := pkgplugin.ParseManifest(data)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(manifestPath)
	module := filepath.ToSlash(filepath.Clean(m.Module()))
	if !local(module) {
		return nil, fmt.Errorf("manifest %q: module %q is outside the manifest directory", m.Name, m.Module())
	}

	files := []string{m.Name + ".yaml", module}
	b := &Bundle{Manifest: m}
	if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(module))); err != nil {
		return nil, fmt.Errorf("module %s: %w", module, err)
	}
	for _, opt := range []string{signing.SignaturePath(module), m.Name + ".schema.json"} {
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(opt))); err == nil {
			files = append(files, opt)
			b.Signed = b.Signed || opt == signing.SignaturePath(module)
		}
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("create bundle: %w", err)
	}
	defer out.Close()
	zw := zip.NewWriter(out)

	// The manifest is stored under its canonical name whatever the source
	// file was called.
	if err := addBytes(zw, files[0], data); err != nil {
		return nil, err
	}
	for _, name := range files[1:] {
		if err := addFile(zw, filepath.Join(dir, filepath.FromSlash(name)), name); err != nil {
			return nil, fmt.Errorf("add %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("write bundle: %w", err)
	}
	b.Files = files
	return b, out.Close()
}

// Validate opens a bundle and checks it has a manifest, the module it names
// and nothing that would escape the install directory.
func Validate(bundlePath string) (*Bundle, error) {
	r, err := openBundle(bundlePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return inspect(&r.Reader)
}

func inspect(r *zip.Reader) (*Bundle, error) {
	var (
		manifest *zip.File
		entries  = make(map[string]bool)
	)
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if !local(f.Name) {
			return nil, fmt.Errorf("%w: entry %q escapes the bundle", ErrInvalidBundle, f.Name)
		}
		entries[path.Clean(f.Name)] = true
		if !strings.Contains(f.Name, "/") && (strings.HasSuffix(f.Name, ".yaml") || strings.HasSuffix(f.Name, ".yml")) {
			if manifest != nil {
				return nil, fmt.Errorf("%w: more than one manifest", ErrInvalidBundle)
			}
			manifest = f
		}
	}
	if manifest == nil {
		return nil, fmt.Errorf("%w: no manifest", ErrInvalidBundle)
	}

	data, err := readEntry(manifest)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := pkgplugin.ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBundle, err)
	}
	module := path.Clean(filepath.ToSlash(m.Module()))
	if !entries[module] {
		return nil, fmt.Errorf("%w: module %s is missing", ErrInvalidBundle, module)
	}

	b := &Bundle{Manifest: m, Signed: entries[signing.SignaturePath(module)]}
	for _, f := range r.File {
		if !f.FileInfo().IsDir() {
			b.Files = append(b.Files, path.Clean(f.Name))
		}
	}
	return b, nil
}

// Install validates a bundle and extracts it into pluginDir/<name>,
// replacing any previous install of the same module. The module directory
// is swapped in whole so a watching loader never sees a half-written
// module.
func Install(bundlePath, pluginDir string) (*Bundle, error) {
	r, err := openBundle(bundlePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	b, err := inspect(&r.Reader)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		return nil, fmt.Errorf("create plugin dir: %w", err)
	}
	staging, err := os.MkdirTemp(pluginDir, ".install-")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		dest := filepath.Join(staging, filepath.FromSlash(path.Clean(f.Name)))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
		if err := extractFile(f, dest); err != nil {
			return nil, fmt.Errorf("extract %s: %w", f.Name, err)
		}
	}

	target := filepath.Join(pluginDir, b.Manifest.Name)
	if err := os.RemoveAll(target); err != nil {
		return nil, fmt.Errorf("remove previous install: %w", err)
	}
	if err := os.Rename(staging, target); err != nil {
		return nil, fmt.Errorf("install %s: %w", b.Manifest.Name, err)
	}
	return b, nil
}

func openBundle(p string) (*zip.ReadCloser, error) {
	r, err := zip.OpenReader(p)
	if err == nil {
		return r, nil
	}
	if r != nil {
		r.Close()
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	return nil, fmt.Errorf("%w: %w", ErrInvalidBundle, err)
}

// local reports whether a slash separated name stays inside its root.
func local(name string) bool {
	return name != "" && !path.IsAbs(name) && filepath.IsLocal(filepath.FromSlash(name))
}

func addBytes(w *zip.Writer, name string, data []byte) error {
	fw, err := w.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return err
	}
	_, err = fw.Write(data)
	return err
}

func addFile(w *zip.Writer, srcPath, zipPath string) error {
	file, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = zipPath
	header.Method = zip.Deflate

	fw, err := w.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(fw, file)
	return err
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, maxEntrySize))
}

func extractFile(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	// Process plugin executables keep their exec bit.
	perm := fs.FileMode(0o644)
	if f.Mode()&0o111 != 0 {
		perm = 0o755
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, io.LimitReader(rc, maxEntrySize+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > maxEntrySize {
		err = fmt.Errorf("%w: %s is larger than %d bytes", ErrInvalidBundle, f.Name, maxEntrySize)
	}
	return err
}
