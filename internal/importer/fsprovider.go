package importer

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/openfitlab/fitstore/internal/domain"
)

// DirectoryProvider discovers exported files under a local directory tree
// laid out as <root>/<source>/<category>/<file>. The external downloader
// drops files there; this provider only reads them.
type DirectoryProvider struct {
	Root string
}

// Discover returns files for the source whose modification time is after
// since. Unreadable entries are skipped; discovery is best effort and the
// merge engine's idempotence absorbs redelivered files.
func (p DirectoryProvider) Discover(ctx context.Context, source domain.Source, since time.Time) ([]File, error) {
	sourceDir := filepath.Join(p.Root, source.String())
	entries, err := os.ReadDir(sourceDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var files []File
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		category, catErr := domain.NewCategory(entry.Name())
		if catErr != nil {
			continue
		}

		categoryDir := filepath.Join(sourceDir, entry.Name())
		children, err := os.ReadDir(categoryDir)
		if err != nil {
			continue
		}
		for _, child := range children {
			if child.IsDir() {
				continue
			}
			info, err := child.Info()
			if err != nil {
				continue
			}
			if !since.IsZero() && !info.ModTime().After(since) {
				continue
			}
			path := filepath.Join(categoryDir, child.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			files = append(files, File{
				Source:      source,
				Category:    category,
				Name:        child.Name(),
				Data:        data,
				NominalDate: info.ModTime().UTC(),
			})
		}
	}
	return files, nil
}
