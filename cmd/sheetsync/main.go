package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/config"
)

var (
	configFile string
	vcfg       = config.New()
	cfg        *config.Config
	logOut     io.Writer = os.Stderr
	closeLog             = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "sheetsync",
	Short: "Keep a local copy of the orders sheet in sync with the row store",
	Long: `sheetsync mirrors the orders sheet served by the row store API.

Edits are applied locally at once and written back in debounced batches.
Remote changes arrive over the push channel when it is available and by
polling otherwise.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(vcfg, configFile)
		if err != nil {
			return err
		}
		cfg = loaded
		out, closer, err := cfg.LogOutput()
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		logOut, closeLog = out, closer
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = closeLog()
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "rows", Title: "Rows:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (default: ./sheetsync.toml or ~/.sheetsync/sheetsync.toml)")
	pf.String("base-url", "", "row store base URL")
	pf.String("token", "", "bearer token for the row store")
	pf.String("log-file", "", "write component logs to a rotating file")
	pf.BoolP("verbose", "v", false, "show component logs on stderr")

	_ = vcfg.BindPFlag("api.base_url", pf.Lookup("base-url"))
	_ = vcfg.BindPFlag("api.token", pf.Lookup("token"))
	_ = vcfg.BindPFlag("log.file", pf.Lookup("log-file"))
	_ = vcfg.BindPFlag("log.verbose", pf.Lookup("verbose"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
