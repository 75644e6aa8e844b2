package objectstore

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// maxEntrySize caps a single extracted file so a hostile snapshot cannot
// fill the disk (1 GB).
const maxEntrySize = 1 << 30

// packTarGz writes the regular files under dirPath into a tar.gz stream,
// entry names relative to dirPath.
func packTarGz(w io.Writer, dirPath string) error {
	gzWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzWriter)

	walkErr := filepath.WalkDir(dirPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		relPath, err := filepath.Rel(dirPath, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)
		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}
		return copyFileInto(tarWriter, p)
	})
	if walkErr != nil {
		return walkErr
	}
	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzWriter.Close()
}

func copyFileInto(w io.Writer, p string) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(w, f)
	return err
}

// extractTarGz decompresses and extracts a tar.gz stream into destDir.
func extractTarGz(r io.Reader, destDir string) error {
	gzReader, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer func() { _ = gzReader.Close() }()

	tarReader := tar.NewReader(gzReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("tar read error: %w", err)
		}
		if err := extractEntry(tarReader, header, destDir); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(tr *tar.Reader, header *tar.Header, destDir string) error {
	cleanName, err := sanitizeEntryPath(header.Name, destDir)
	if err != nil {
		return err
	}
	target := filepath.Join(destDir, cleanName)

	switch header.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, os.FileMode(header.Mode))
	case tar.TypeReg:
		return writeEntryFile(tr, target, os.FileMode(header.Mode))
	case tar.TypeSymlink:
		linkTarget := filepath.Join(filepath.Dir(target), header.Linkname)
		if !strings.HasPrefix(filepath.Clean(linkTarget), filepath.Clean(destDir)) {
			return fmt.Errorf("symlink %s -> %s escapes target directory", header.Name, header.Linkname)
		}
		_ = os.Remove(target)
		return os.Symlink(header.Linkname, target)
	default:
		// Device nodes and the like have no business in a workspace.
		return nil
	}
}

func writeEntryFile(tr *tar.Reader, target string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", target, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(f, io.LimitReader(tr, maxEntrySize)); err != nil {
		return fmt.Errorf("failed to write file %s: %w", target, err)
	}
	return nil
}

// sanitizeEntryPath rejects archive entries that would land outside
// destDir.
func sanitizeEntryPath(name, destDir string) (string, error) {
	cleanName := filepath.Clean(name)
	if strings.HasPrefix(cleanName, "..") || strings.HasPrefix(cleanName, "/") {
		return "", fmt.Errorf("invalid archive entry path: %s", name)
	}
	absTarget := filepath.Join(destDir, cleanName)
	if !strings.HasPrefix(absTarget, filepath.Clean(destDir)+string(os.PathSeparator)) && absTarget != filepath.Clean(destDir) {
		return "", fmt.Errorf("archive entry %s would escape target directory", name)
	}
	return cleanName, nil
}
