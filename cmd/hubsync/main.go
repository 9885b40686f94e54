package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ajitpratap0/hubsync/pkg/destination"

	// Register every destination adapter
	_ "github.com/ajitpratap0/hubsync/pkg/destination/all"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "hubsync",
		Short: "hubsync - buffered Parquet uploads of hand-written training examples",
		Long: `hubsync appends conversational training records (SFT conversations, DPO
preference pairs or flat JSON objects) to an in-memory buffer and uploads the
buffer as a Parquet file to a dataset repository on a fixed interval.

Every flag of the run command can also be set through HUBSYNC_<FLAG>
environment variables, e.g. HUBSYNC_REPO_ID or HUBSYNC_EVERY.`,
		SilenceUsage: true,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "hubsync v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "destinations",
		Short: "List available destinations",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "Available destinations:")
			for _, name := range destination.List() {
				fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", name)
			}
		},
	})

	root.AddCommand(newRunCommand(), newConfigCommand(), newInspectCommand())
	return root
}

// newViper reads HUBSYNC_* variables for every bound flag
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("HUBSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	// the usual Hugging Face variable works as a fallback
	_ = v.BindEnv("token", "HUBSYNC_TOKEN", "HF_TOKEN")
	return v
}
