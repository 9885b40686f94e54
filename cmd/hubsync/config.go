package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/hubsync/pkg/config"
)

// addConfigFlags registers the flags that override the configuration file
func addConfigFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "Path to the YAML configuration file")
	fs.String("repo-id", "", "Destination repository, name or namespace/name")
	fs.Duration("every", 0, "Flush interval (e.g. 30s, 5m)")
	fs.String("path-in-repo", "", "Directory for uploaded files inside the repository")
	fs.Bool("private", false, "Create the repository as private")
	fs.String("token", "", "Access token for the destination (also HF_TOKEN)")
	fs.String("destination", "", "Destination type (see 'hubsync destinations')")
	fs.String("root", "", "Root directory of the local destination")
	fs.String("bucket", "", "Bucket of the s3, gcs and minio destinations")
	fs.String("spool-dir", "", "Directory keeping files whose final upload failed")
	fs.String("log-level", "", "Log level (debug, info, warn, error)")
	fs.Bool("metrics", false, "Serve Prometheus metrics")
	fs.String("metrics-listen", "", "Metrics listen address")
}

// resolveConfig layers the configuration file, HUBSYNC_* variables and
// explicitly set flags over the defaults
func resolveConfig(v *viper.Viper) (*config.Config, error) {
	cfg := config.Default()
	if file := v.GetString("config"); file != "" {
		if err := config.Load(file, cfg); err != nil {
			return nil, err
		}
	}

	if v.IsSet("repo-id") {
		cfg.Scheduler.RepoID = v.GetString("repo-id")
	}
	if v.IsSet("every") {
		cfg.Scheduler.Every = v.GetDuration("every")
	}
	if v.IsSet("path-in-repo") {
		cfg.Scheduler.PathInRepo = v.GetString("path-in-repo")
	}
	if v.IsSet("private") {
		cfg.Scheduler.Private = v.GetBool("private")
	}
	if v.IsSet("token") {
		cfg.Scheduler.Token = v.GetString("token")
		cfg.Destination.Token = cfg.Scheduler.Token
	}
	if v.IsSet("destination") {
		cfg.Destination.Type = v.GetString("destination")
	}
	if v.IsSet("root") {
		cfg.Destination.Root = v.GetString("root")
	}
	if v.IsSet("bucket") {
		cfg.Destination.Bucket = v.GetString("bucket")
	}
	if v.IsSet("spool-dir") {
		cfg.Scheduler.SpoolDir = v.GetString("spool-dir")
	}
	if v.IsSet("log-level") {
		cfg.Logging.Level = v.GetString("log-level")
	}
	if v.IsSet("metrics") {
		cfg.Metrics.Enabled = v.GetBool("metrics")
	}
	if v.IsSet("metrics-listen") {
		cfg.Metrics.Listen = v.GetString("metrics-listen")
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newConfigCommand() *cobra.Command {
	v := newViper()
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration run would use after applying the configuration
file, HUBSYNC_* environment variables and flags. Secrets are redacted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(v)
			if err != nil {
				return err
			}
			redact(&cfg.Scheduler.Token)
			redact(&cfg.Destination.Token)
			redact(&cfg.Destination.SecretAccessKey)

			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to encode configuration: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	addConfigFlags(cmd.Flags())
	_ = v.BindPFlags(cmd.Flags())
	return cmd
}

func redact(s *string) {
	if *s != "" {
		*s = "REDACTED"
	}
}
