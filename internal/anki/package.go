package anki

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Known embedded database members. Modern packages carry a
// zstd-compressed database, legacy ones an uncompressed copy.
const (
	modernDBMember = "collection.anki21b"
	legacyDBMember = "collection.anki2"
	mediaMember    = "media"
)

// packageFile is an opened import container plus the scratch space its
// extracted database lives in.
type packageFile struct {
	path   string
	name   string // base name without extension, used for the fallback deck
	reader *zip.ReadCloser
	tmpDir string
}

func openPackage(path string) (*packageFile, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open container %s: %v", ErrInvalidPackage, path, err)
	}
	tmpDir, err := os.MkdirTemp("", "deckstudy-import-*")
	if err != nil {
		reader.Close()
		return nil, fmt.Errorf("create import scratch dir: %v", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return &packageFile{path: path, name: name, reader: reader, tmpDir: tmpDir}, nil
}

// Close discards the container handle and all scratch files.
func (p *packageFile) Close() error {
	err := p.reader.Close()
	if rmErr := os.RemoveAll(p.tmpDir); err == nil {
		err = rmErr
	}
	return err
}

func (p *packageFile) member(name string) *zip.File {
	for _, f := range p.reader.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// extractDatabase locates the embedded database member and streams it into
// a scratch file, decompressing the modern member on the fly so large
// databases never sit fully decompressed in memory.
func (p *packageFile) extractDatabase() (string, error) {
	dbPath := filepath.Join(p.tmpDir, "collection.db")

	if f := p.member(modernDBMember); f != nil {
		if err := p.decompressMember(f, dbPath); err != nil {
			return "", fmt.Errorf("%w: decompress %s: %v", ErrInvalidPackage, modernDBMember, err)
		}
		return dbPath, nil
	}
	if f := p.member(legacyDBMember); f != nil {
		if err := p.copyMember(f, dbPath); err != nil {
			return "", fmt.Errorf("extract %s: %w", legacyDBMember, err)
		}
		return dbPath, nil
	}

	names := make([]string, 0, len(p.reader.File))
	for _, f := range p.reader.File {
		names = append(names, f.Name)
	}
	return "", fmt.Errorf("%w: members found: %s", ErrInvalidPackage, strings.Join(names, ", "))
}

func (p *packageFile) decompressMember(f *zip.File, dst string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	zr, err := zstd.NewReader(rc)
	if err != nil {
		return err
	}
	defer zr.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, zr); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (p *packageFile) copyMember(f *zip.File, dst string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// mediaManifest parses the optional media member into a container-entry
// to logical-filename map. A missing or malformed manifest returns ok
// false; media is absent but the import proceeds.
func (p *packageFile) mediaManifest() (map[string]string, bool) {
	f := p.member(mediaMember)
	if f == nil {
		return nil, false
	}
	rc, err := f.Open()
	if err != nil {
		return nil, false
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, false
	}
	if !strings.HasPrefix(strings.TrimSpace(string(data)), "{") {
		return nil, false
	}
	var manifest map[string]string
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, false
	}
	return manifest, true
}

// extractMedia copies every manifest entry into mediaDir under its logical
// name. Failures are collected as warnings, never errors.
func (p *packageFile) extractMedia(manifest map[string]string, mediaDir string) (int, []string) {
	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		return 0, []string{fmt.Sprintf("create media dir %s: %v", mediaDir, err)}
	}

	var copied int
	var warnings []string
	for entry, logical := range manifest {
		f := p.member(entry)
		if f == nil {
			warnings = append(warnings, fmt.Sprintf("media entry %s missing from container", entry))
			continue
		}
		// Manifest names come from the package; never let them escape the
		// media directory.
		dst := filepath.Join(mediaDir, filepath.Base(logical))
		if err := p.copyMember(f, dst); err != nil {
			warnings = append(warnings, fmt.Sprintf("copy media %s: %v", logical, err))
			continue
		}
		copied++
	}
	return copied, warnings
}
