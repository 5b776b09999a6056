//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func openGCS(_ context.Context, _, _ string) (Store, error) {
	return nil, fmt.Errorf("archive: gcs support not compiled in (build with -tags gcp)")
}
