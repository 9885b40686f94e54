package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	gojson "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/ajitpratap0/hubsync/pkg/compression"
	"github.com/ajitpratap0/hubsync/pkg/formats/columnar"
	"github.com/ajitpratap0/hubsync/pkg/models"
	"github.com/ajitpratap0/hubsync/pkg/schema"
)

type inspectOptions struct {
	Rows        bool
	Output      string
	Compression string
}

func newInspectCommand() *cobra.Command {
	var opts inspectOptions
	cmd := &cobra.Command{
		Use:   "inspect FILE",
		Short: "Show the features and row count of an uploaded Parquet file",
		Long: `Print the features embedded in a Parquet file written by hubsync, its row
and row group counts and the file key/value metadata keys.

With --rows every row is written as a JSON line to stdout or --output. The
output is compressed according to --compression or the --output extension.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspectFile(cmd.Context(), args[0], opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&opts.Rows, "rows", false, "Dump rows as JSON lines")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "Row dump file (default stdout)")
	cmd.Flags().StringVar(&opts.Compression, "compression", "", "Row dump compression (default: from the output extension)")
	return cmd
}

type fileSummary struct {
	File         string         `json:"file"`
	Rows         int64          `json:"rows"`
	RowGroups    int            `json:"row_groups"`
	Features     *schema.Schema `json:"features"`
	MetadataKeys []string       `json:"metadata_keys"`
}

func inspectFile(ctx context.Context, path string, opts inspectOptions, stdout io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r, err := columnar.OpenFile(path, nil)
	if err != nil {
		return err
	}
	defer r.Close()

	md := r.Metadata()
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if !opts.Rows {
		enc := gojson.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(fileSummary{
			File:         path,
			Rows:         r.NumRows(),
			RowGroups:    r.NumRowGroups(),
			Features:     r.Schema(),
			MetadataKeys: keys,
		})
	}

	records, err := r.ReadRecords(ctx)
	if err != nil {
		return err
	}

	out := stdout
	algo := compression.Detect(opts.Output)
	if opts.Compression != "" {
		if algo, err = compression.ParseAlgorithm(opts.Compression); err != nil {
			return err
		}
	}
	if opts.Output != "" {
		f, err := os.OpenFile(opts.Output, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644) //nolint:gosec // G304: user-selected output
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	return writeRows(out, records, algo)
}

// writeRows writes one JSON object per record, keeping column order
func writeRows(w io.Writer, records []*models.Record, algo compression.Algorithm) error {
	cw, err := compression.NewWriter(w, algo, compression.Default)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(cw)

	for _, rec := range records {
		if err := bw.WriteByte('{'); err != nil {
			return err
		}
		for i, f := range rec.Fields() {
			if i > 0 {
				_ = bw.WriteByte(',')
			}
			name, err := gojson.Marshal(f.Name)
			if err != nil {
				return err
			}
			value, err := gojson.Marshal(rowValue(f.Value))
			if err != nil {
				return fmt.Errorf("column %s: %w", f.Name, err)
			}
			_, _ = bw.Write(name)
			_ = bw.WriteByte(':')
			_, _ = bw.Write(value)
		}
		if _, err := bw.WriteString("}\n"); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return cw.Close()
}

func rowValue(v interface{}) interface{} {
	if a, ok := v.(schema.Asset); ok {
		return map[string]interface{}{"path": a.Path, "bytes": a.Bytes}
	}
	return v
}
