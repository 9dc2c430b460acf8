package packager

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// buildArchive writes the given files into a temporary tar.zst archive and
// returns its path. Entries carry base names only; the consumer reconstructs
// its own layout.
func buildArchive(tempDir string, files []string) (string, error) {
	out, err := os.CreateTemp(tempDir, "plyline-*.tar.zst")
	if err != nil {
		return "", fmt.Errorf("create temp archive: %w", err)
	}

	if err := writeArchive(out, files); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("close archive: %w", err)
	}
	return out.Name(), nil
}

func writeArchive(out io.Writer, files []string) error {
	encoder, err := zstd.NewWriter(out)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}

	tw := tar.NewWriter(encoder)
	for _, path := range files {
		if err := addFile(tw, path); err != nil {
			tw.Close()
			encoder.Close()
			return err
		}
	}

	if err := tw.Close(); err != nil {
		encoder.Close()
		return fmt.Errorf("close tar stream: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("close zstd stream: %w", err)
	}
	return nil
}

func addFile(tw *tar.Writer, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %q: %w", path, err)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %q: %w", path, err)
	}
	defer file.Close()

	header := &tar.Header{
		Name:     filepath.Base(path),
		Mode:     int64(info.Mode().Perm()),
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %q: %w", path, err)
	}
	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("copy %q: %w", path, err)
	}
	return nil
}
