package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chriscow/streamscribe/internal/config"
	"github.com/chriscow/streamscribe/pkg/plugin"
	_ "github.com/chriscow/streamscribe/pkg/plugin/fake"   // Import to register fake engine
	_ "github.com/chriscow/streamscribe/pkg/plugin/openai" // Import to register OpenAI engine
	"github.com/chriscow/streamscribe/pkg/version"
)

var (
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "streamscribe",
	Short: "Streaming speech-to-text gateway",
	Long: `streamscribe accepts browser-recorded audio chunks over a websocket, segments
them on silence or end-of-stream, and returns transcripts from a pluggable
speech-to-text engine.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetVersionInfo())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the websocket and HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		flags := cmd.Flags()
		if flags.Changed("addr") {
			cfg.Server.Address, _ = flags.GetString("addr")
		}
		if flags.Changed("plugin-dir") {
			cfg.Server.PluginDir, _ = flags.GetString("plugin-dir")
		}
		if flags.Changed("decoder") {
			cfg.Audio.Decoder, _ = flags.GetString("decoder")
		}
		if flags.Changed("provider") {
			cfg.STT.Provider, _ = flags.GetString("provider")
		}
		if flags.Changed("interim-on-silence") {
			cfg.Session.InterimOnSilence, _ = flags.GetBool("interim-on-silence")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger := setupLogger(cfg.Logging)
		logger.Info("Starting server",
			slog.String("service", "streamscribe"),
			slog.String("version", version.Version),
			slog.String("commit", version.GitCommit),
			slog.String("address", cfg.Server.Address),
			slog.String("provider", cfg.STT.Provider))

		// Create context that cancels on interrupt
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return runServe(ctx, cfg, configPath, logger)
	},
}

var transcribeCmd = &cobra.Command{
	Use:   "transcribe",
	Short: "Transcribe one audio file and print the transcript",
	RunE: func(cmd *cobra.Command, args []string) error {
		filePath, _ := cmd.Flags().GetString("file")
		mimeType, _ := cmd.Flags().GetString("mime")
		language, _ := cmd.Flags().GetString("language")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if provider, _ := cmd.Flags().GetString("provider"); provider != "" {
			cfg.STT.Provider = provider
		}
		if language != "" {
			cfg.STT.Language = language
		}

		logger := setupLogger(cfg.Logging)
		logger.Info("Starting transcription",
			slog.String("service", "streamscribe"),
			slog.String("file", filePath),
			slog.String("provider", cfg.STT.Provider))

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		text, err := runTranscribe(ctx, cfg, filePath, mimeType, logger)
		if err != nil {
			return err
		}
		fmt.Println(text)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an access token for clients",
	RunE: func(cmd *cobra.Command, args []string) error {
		identity, _ := cmd.Flags().GetString("identity")
		validFor, _ := cmd.Flags().GetDuration("valid-for")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		token, err := mintToken(cfg.Auth, identity, validFor)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var pluginCmd = &cobra.Command{
	Use:   "plugin",
	Short: "Plugin management commands",
}

var pluginListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered speech-to-text engines",
	RunE: func(cmd *cobra.Command, args []string) error {
		plugins := plugin.List()
		if len(plugins) == 0 {
			fmt.Println("No plugins registered")
			return nil
		}

		fmt.Printf("%-20s %-10s %s\n", "NAME", "VERSION", "DESCRIPTION")
		fmt.Println("------------------------------------------------------------")
		for _, p := range plugins {
			version := p.Version
			if version == "" {
				version = "N/A"
			}
			description := p.Description
			if description == "" {
				description = "No description"
			}
			fmt.Printf("%-20s %-10s %s\n", p.Name, version, description)
		}
		return nil
	},
}

var pluginLoadCmd = &cobra.Command{
	Use:   "load [directory]",
	Short: "Load dynamic plugins from directory (Linux only with -tags=plugindyn)",
	Long: `Load .so plugin files from the specified directory.
If no directory is specified, uses STREAMSCRIBE_PLUGIN_PATH environment variable
or defaults to /usr/local/lib/streamscribe/plugins.

Each plugin .so file must export a RegisterPlugins() error function.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger(config.Default().Logging)

		pluginDir := ""
		if len(args) > 0 {
			pluginDir = args[0]
		}
		pluginDir = plugin.ResolveDir(pluginDir)

		logger.Info("Loading dynamic plugins", slog.String("directory", pluginDir))
		if err := plugin.LoadDynamicPlugins(pluginDir); err != nil {
			logger.Error("Failed to load dynamic plugins", slog.String("error", err.Error()))
			return err
		}
		logger.Info("Dynamic plugin loading completed", slog.Int("plugins", len(plugin.List())))
		return nil
	},
}

func loadConfig() (*config.Config, error) {
	if err := config.LoadEnvFile(envFile); err != nil {
		return nil, err
	}
	return config.Load(configPath)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	logger := cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)
	return logger
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("STREAMSCRIBE_CONFIG"), "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to .env file (ignored if missing)")

	serveCmd.Flags().String("addr", "", "Listen address (overrides config)")
	serveCmd.Flags().String("plugin-dir", "", "Directory of dynamic engine plugins to load")
	serveCmd.Flags().String("decoder", "", "Decoder backend: auto, native or ffmpeg")
	serveCmd.Flags().String("provider", "", "Speech-to-text engine (overrides config)")
	serveCmd.Flags().Bool("interim-on-silence", false, "Transcribe buffered audio when silence is detected")

	transcribeCmd.Flags().String("file", "", "Path to audio file")
	transcribeCmd.Flags().String("mime", "", "MIME type of the file (sniffed when empty)")
	transcribeCmd.Flags().String("language", "", "Language hint (overrides config)")
	transcribeCmd.Flags().String("provider", "", "Speech-to-text engine (overrides config)")
	transcribeCmd.MarkFlagRequired("file")

	tokenCmd.Flags().String("identity", "", "Client identity embedded in the token")
	tokenCmd.Flags().Duration("valid-for", 24*time.Hour, "Token validity duration")
	tokenCmd.MarkFlagRequired("identity")

	pluginCmd.AddCommand(pluginListCmd, pluginLoadCmd)
	rootCmd.AddCommand(versionCmd, serveCmd, transcribeCmd, tokenCmd, pluginCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
