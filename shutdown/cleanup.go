package shutdown

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"kontextworker/logging"
)

// PartialSuffix marks a download that has not been renamed into place.
const PartialSuffix = ".part"

// RemovePartialDownloads returns a handler that deletes interrupted
// downloads under modelsDir. Failures are logged and never block shutdown.
func RemovePartialDownloads(logger *logging.Logger, modelsDir string) Func {
	return func(ctx context.Context) error {
		removed := 0
		err := filepath.WalkDir(modelsDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return filepath.SkipDir
				}
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() || !strings.HasSuffix(d.Name(), PartialSuffix) {
				return nil
			}
			if err := os.Remove(path); err != nil {
				logger.Warn("failed to remove partial download", zap.String("file", path), zap.Error(err))
				return nil
			}
			removed++
			return nil
		})
		if err != nil {
			logger.Warn("partial download cleanup stopped early", zap.Error(err))
		}
		if removed > 0 {
			logger.Info("removed partial downloads", zap.Int("count", removed))
		}
		return nil
	}
}
