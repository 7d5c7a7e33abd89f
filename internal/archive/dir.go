package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// DirUploader writes snapshots below a local directory, mirroring the
// object key layout.
type DirUploader struct {
	Dir string
}

// Upload writes body to Dir/key, creating parent directories.
func (u DirUploader) Upload(ctx context.Context, key string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := filepath.Join(u.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	// Readers never see a partial snapshot.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}
