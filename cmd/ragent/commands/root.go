// Package commands defines all Cobra CLI commands for the ragent binary.
package commands

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragent/internal/audit"
	"github.com/54b3r/ragent/internal/config"
	"github.com/54b3r/ragent/internal/logging"
	"github.com/54b3r/ragent/internal/tracing"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// envFile holds the --env-file flag value.
var envFile string

// settings is resolved once per invocation by the root PersistentPreRunE.
var settings *config.Settings

// flushTracing sends buffered Langfuse traces; set by PersistentPreRunE.
var flushTracing = func() {}

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ragent",
		Short: "Chat with your documents using retrieval-augmented generation",
		Long: `ragent indexes a directory of documents and answers questions about them.

The language model decides when to search the index: it calls the
search_documents tool as many times as it needs and cites the excerpts it
used. Conversations are kept per session and persisted in SQLite, so a
session can be resumed later from the CLI or over HTTP.

Model provider is selected via the MODEL_PROVIDER environment variable
or a YAML config file (~/.ragent/config.yaml). A .env file in the working
directory is loaded first.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// .env is applied before YAML so that, like real env vars, its
			// values win over the config file.
			if err := config.LoadDotEnv(envFile, log); err != nil {
				return err
			}
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			if n := config.ApplyLegacyEnv(log); n > 0 {
				log.Info("config: applied legacy environment variables", slog.Int("count", n))
			}

			settings, err = config.SettingsFromEnv()
			if err != nil {
				return err
			}

			audit.LogCommandStart(log, cmd.Name(), path)
			flushTracing = tracing.Setup(log)

			cmd.SetContext(logging.WithLogger(cmd.Context(), log))
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			flushTracing()
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.ragent/config.yaml)")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before the config file")

	root.AddCommand(
		NewIngestCmd(),
		NewChatCmd(),
		NewAskCmd(),
		NewSessionsCmd(),
		NewServeCmd(),
		NewVersionCmd(),
	)

	return root
}
