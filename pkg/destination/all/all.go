// Package all registers every destination adapter
package all

import (
	// Register adapters
	_ "github.com/ajitpratap0/hubsync/pkg/destination/gcs"
	_ "github.com/ajitpratap0/hubsync/pkg/destination/hub"
	_ "github.com/ajitpratap0/hubsync/pkg/destination/local"
	_ "github.com/ajitpratap0/hubsync/pkg/destination/minio"
	_ "github.com/ajitpratap0/hubsync/pkg/destination/s3"
)
