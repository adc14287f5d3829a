package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/bleepstore/ingest/internal/bundle"
	"github.com/bleepstore/ingest/internal/hlszip"
	"github.com/bleepstore/ingest/internal/multipart"
	"github.com/bleepstore/ingest/internal/storage"
)

func (c *cli) planCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <size>",
		Short: "Show the part layout for an object of the given size in bytes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || size < 0 {
				return fmt.Errorf("invalid size %q", args[0])
			}
			plan := multipart.PlanParts(size)
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"size":       plan.Size,
				"partSize":   plan.PartSize,
				"totalParts": plan.TotalParts,
			})
		},
	}
}

func (c *cli) uploadCmd() *cobra.Command {
	var key, contentType string
	var concurrency int
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file through a multipart session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, err := c.coordinator()
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}

			if key == "" {
				key = filepath.Base(args[0])
			}
			if contentType == "" {
				contentType = hlszip.ContentType(args[0])
			}
			if concurrency <= 0 {
				concurrency = c.cfg.Upload.Concurrency
			}

			up := multipart.NewUploader(coord, concurrency)
			up.MaxAttempts = c.cfg.Upload.MaxAttempts
			up.RetryDelay = time.Duration(c.cfg.Upload.RetryDelayMs) * time.Millisecond
			res, err := up.Upload(cmd.Context(), key, contentType, f, info.Size())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "object key (default: the file's base name)")
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type (default: from the file extension)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "parts in flight (default: from config)")
	return cmd
}

func (c *cli) importHLSCmd() *cobra.Command {
	var prefix string
	var strict, useSDK bool
	cmd := &cobra.Command{
		Use:   "import-hls <archive.zip>",
		Short: "Validate a zipped HLS bundle and store its files under a prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, err := readArchive(args[0], c.cfg.Bundle.MaxArchiveSize)
			if err != nil {
				return err
			}
			store, err := c.bundleStore(cmd.Context(), useSDK || c.cfg.Bundle.UseSDK)
			if err != nil {
				return err
			}
			im := &bundle.Importer{
				Store: store,
				Decoder: hlszip.Decoder{
					Strict:       strict || c.cfg.Bundle.Strict,
					MaxEntrySize: c.cfg.Bundle.MaxEntrySize,
					MaxTotalSize: c.cfg.Bundle.MaxTotalSize,
				},
				Concurrency: c.cfg.Bundle.Concurrency,
			}
			res, err := im.Import(cmd.Context(), prefix, archive)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "key prefix for the bundle files")
	cmd.Flags().BoolVar(&useSDK, "sdk", false, "write files through the AWS SDK client instead of signed requests")
	cmd.Flags().BoolVar(&strict, "strict", false, "reject entries whose size or CRC differs from the archive directory")
	return cmd
}

func (c *cli) presignCmd() *cobra.Command {
	var contentType string
	cmd := &cobra.Command{
		Use:   "presign <key>",
		Short: "Print a presigned PUT URL for a single object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, err := c.coordinator()
			if err != nil {
				return err
			}
			if err := multipart.ValidateKey(args[0]); err != nil {
				return err
			}
			u, err := coord.PresignObject(args[0], contentType)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), u)
			return err
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type the upload must send")
	return cmd
}

func (c *cli) listPartsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-parts <key> <upload-id>",
		Short: "List the parts the store holds for an upload",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, err := c.coordinator()
			if err != nil {
				return err
			}
			parts, err := coord.ListParts(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if parts == nil {
				parts = []multipart.Part{}
			}
			return printJSON(cmd.OutOrStdout(), parts)
		},
	}
}

func (c *cli) completeCmd() *cobra.Command {
	var total int
	cmd := &cobra.Command{
		Use:   "complete <key> <upload-id>",
		Short: "Complete an upload from the parts the store holds",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, err := c.coordinator()
			if err != nil {
				return err
			}
			etag, err := coord.Finalize(cmd.Context(), args[0], args[1], nil, total)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{
				"key":  args[0],
				"etag": etag,
			})
		},
	}
	cmd.Flags().IntVar(&total, "total-parts", 0, "expected part count; completion is refused when parts are missing")
	return cmd
}

func (c *cli) abortCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <key> <upload-id>",
		Short: "Abort an upload and discard its parts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, err := c.coordinator()
			if err != nil {
				return err
			}
			return coord.Abort(cmd.Context(), args[0], args[1])
		},
	}
}

// bundleStore returns the SDK-backed store when useSDK is set and the
// signing coordinator otherwise. The SDK path only needs a bucket; its
// credentials may come from the default AWS chain.
func (c *cli) bundleStore(ctx context.Context, useSDK bool) (bundle.Store, error) {
	if !useSDK {
		return c.coordinator()
	}
	if c.cfg.Store.Bucket == "" {
		return nil, fmt.Errorf("missing configuration: store.bucket")
	}
	return storage.NewS3Store(ctx, storage.Options{
		Endpoint:        c.cfg.Store.Endpoint,
		Bucket:          c.cfg.Store.Bucket,
		Region:          c.cfg.Store.Region,
		AccessKeyID:     c.cfg.Store.AccessKeyID,
		SecretAccessKey: c.cfg.Store.SecretAccessKey,
	})
}
