//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

// NewGCSObjects reports that GCS support was compiled out.
func NewGCSObjects(ctx context.Context, bucket string) (ObjectStore, error) {
	return nil, fmt.Errorf("GCS archive is not enabled in this build (use -tags gcp)")
}
