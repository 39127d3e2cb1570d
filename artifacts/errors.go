// Package artifacts materializes model files from the model hub into the
// local models directory.
package artifacts

import (
	"errors"
	"fmt"
)

var ErrEmptyListing = errors.New("artifacts: repository listing matched no pipeline files")

// ArtifactError is an unrecoverable failure to obtain an artifact.
// Nothing in this package retries.
type ArtifactError struct {
	Op   string // "list", "download", "stat"
	Repo string
	File string
	Err  error
}

func (e *ArtifactError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("artifacts: %s %s: %v", e.Op, e.Repo, e.Err)
	}
	return fmt.Sprintf("artifacts: %s %s/%s: %v", e.Op, e.Repo, e.File, e.Err)
}

func (e *ArtifactError) Unwrap() error {
	return e.Err
}
