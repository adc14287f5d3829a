package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bleepstore/ingest/internal/config"
	"github.com/bleepstore/ingest/internal/logging"
	"github.com/bleepstore/ingest/internal/multipart"
	"github.com/bleepstore/ingest/internal/sigv4"
)

// cli holds the state shared by every subcommand.
type cli struct {
	cfgFile  string
	endpoint string
	bucket   string
	region   string
	logLevel string

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "ingestctl",
		Short: "Upload media to an S3-compatible store",
		Long: `ingestctl drives the ingest workflows directly against an object store:
multipart uploads through presigned part URLs, single-object presigning, and
HLS bundle imports from a ZIP archive.

Store settings come from --config, the INGEST_STORE_* environment variables
and the flags below, in increasing order of precedence.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.loadConfig,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "path to configuration file (YAML format)")
	flags.StringVar(&c.endpoint, "endpoint", "", "object store endpoint URL")
	flags.StringVar(&c.bucket, "bucket", "", "bucket name")
	flags.StringVar(&c.region, "region", "", "signing region")
	flags.StringVar(&c.logLevel, "log-level", "warn", "log level: debug, info, warn, error")

	root.AddCommand(
		c.planCmd(),
		c.uploadCmd(),
		c.importHLSCmd(),
		c.presignCmd(),
		c.listPartsCmd(),
		c.completeCmd(),
		c.abortCmd(),
	)
	return root
}

func (c *cli) loadConfig(cmd *cobra.Command, args []string) error {
	if c.cfgFile != "" {
		cfg, err := config.Load(c.cfgFile)
		if err != nil {
			return err
		}
		c.cfg = cfg
	} else {
		c.cfg = config.Default()
	}

	if c.endpoint != "" {
		c.cfg.Store.Endpoint = c.endpoint
	}
	if c.bucket != "" {
		c.cfg.Store.Bucket = c.bucket
	}
	if c.region != "" {
		c.cfg.Store.Region = c.region
	}

	logging.Setup(c.logLevel, c.cfg.Logging.Format, cmd.ErrOrStderr())
	return nil
}

// coordinator builds a Coordinator from the resolved store settings.
func (c *cli) coordinator() (*multipart.Coordinator, error) {
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}
	return multipart.New(multipart.Config{
		Endpoint: c.cfg.Store.Endpoint,
		Bucket:   c.cfg.Store.Bucket,
		Region:   c.cfg.Store.Region,
		Credentials: sigv4.Credentials{
			AccessKeyID:     c.cfg.Store.AccessKeyID,
			SecretAccessKey: c.cfg.Store.SecretAccessKey,
		},
		HTTPClient: &http.Client{Timeout: time.Duration(c.cfg.Store.RequestTimeout) * time.Second},
	})
}

// printJSON writes v to w as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readArchive reads a bundle archive, refusing files over limit bytes.
func readArchive(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() > limit {
		return nil, fmt.Errorf("%s is %d bytes, over the %d byte limit", path, info.Size(), limit)
	}
	return io.ReadAll(io.LimitReader(f, limit+1))
}
