// Package hubsync turns hand-written training examples into Parquet files in
// a dataset repository.
//
// Applications append records (SFT conversations, DPO preference pairs or
// any flat record) to a ParquetScheduler. The scheduler keeps them in memory
// and, on a fixed interval, writes the pending batch to a Parquet file whose
// column schema is inferred from the first value seen for each column and
// embedded under the "huggingface" key/value metadata entry. The file is
// uploaded as <path_in_repo>/<uuid>.parquet and never replaces an existing
// file.
//
// # Quick Start
//
//	import (
//	    "github.com/ajitpratap0/hubsync/pkg/destination/local"
//	    "github.com/ajitpratap0/hubsync/pkg/models"
//	    "github.com/ajitpratap0/hubsync/pkg/scheduler"
//	)
//
//	dest, _ := local.New("./datasets")
//	cfg := scheduler.DefaultConfig()
//	cfg.RepoID = "my-org/feedback"
//
//	s, err := scheduler.New(ctx, cfg, dest)
//	if err != nil {
//	    return err
//	}
//	defer s.Stop(ctx) // final flush
//
//	s.Append(models.NewDPORecord(system, question, chosen, rejected))
//
// # Packages
//
//   - pkg/scheduler: the buffered uploader (Append, Flush, Stop)
//   - pkg/schema: feature inference, coercion and the schema registry
//   - pkg/formats/columnar: Parquet writer and reader built on arrow-go
//   - pkg/destination: local, s3, gcs, minio and hub adapters
//   - pkg/models: ordered records and the SFT/DPO builders
//   - pkg/config, pkg/logger, pkg/errors, pkg/metrics, pkg/observability,
//     pkg/retry, pkg/compression: supporting infrastructure
//
// # Command Line
//
//	hubsync run --repo-id my-org/feedback --destination local --root ./out \
//	    --kind sft --input conversations.jsonl.gz
//	hubsync inspect ./out/my-org/feedback/data/<uuid>.parquet
//	hubsync destinations
//
// # Failure Handling
//
// Uploads are retried with exponential backoff. When every attempt fails the
// batch returns to the front of the buffer and is retried by the next flush.
// Stop performs a final flush; if that fails and a spool directory is
// configured the file is kept there and uploaded by the next scheduler.
package hubsync
