package common

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"
)

// CleanDirectory removes files older than expiry under root, then prunes the
// directories it emptied. Used to reclaim the assets and temp directories
// that job runners leave behind.
func CleanDirectory(logger arbor.ILogger, root string, expiry time.Duration) (int, error) {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return 0, nil
	}
	cutoff := time.Now().Add(-expiry)

	removed := 0
	var emptied []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			// A file deleted underneath us is not a failure.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			if path != root {
				emptied = append(emptied, path)
			}
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				logger.Warn().Err(err).Str("path", path).Msg("Failed to remove expired file")
				return nil
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("failed to walk %s: %w", root, err)
	}

	// Deepest directories first so nested empties collapse upward.
	for i := len(emptied) - 1; i >= 0; i-- {
		// Remove fails on non-empty directories, which is what we want.
		_ = os.Remove(emptied[i])
	}

	logger.Info().Str("root", root).Int("removed", removed).Msg("Directory cleaned")
	return removed, nil
}
