package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/go-authgate/storefront/bff"
	"github.com/go-authgate/storefront/config"
	"github.com/go-authgate/storefront/logging"
)

var (
	flagListenAddr    string
	flagAPIBaseURL    string
	flagPublicBaseURL string
	flagLogLevel      string
	flagLogFormat     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the backend-for-frontend HTTP server",
	Long: `Run the storefront backend-for-frontend. It proxies the browser's auth,
catalog and file requests to API_BASE_URL, holds the session in HttpOnly
cookies and handles the LINE login callback.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	f := serveCmd.Flags()
	f.StringVar(&flagListenAddr, "listen", "", "listen address (default: :3000 or LISTEN_ADDR env)")
	f.StringVar(&flagAPIBaseURL, "api-base-url", "", "upstream API base URL (or API_BASE_URL env)")
	f.StringVar(&flagPublicBaseURL, "public-base-url", "", "public URL of this server (or PUBLIC_BASE_URL env)")
	f.StringVar(&flagLogLevel, "log-level", "", "debug, info, warn or error (or LOG_LEVEL env)")
	f.StringVar(&flagLogFormat, "log-format", "", "json or console (or LOG_FORMAT env)")
}

func loadServerConfig() (*config.Server, error) {
	cfg, err := config.LoadServer(flagConfig)
	if err != nil {
		return nil, err
	}
	override(&cfg.ListenAddr, flagListenAddr)
	override(&cfg.APIBaseURL, flagAPIBaseURL)
	override(&cfg.PublicBaseURL, flagPublicBaseURL)
	override(&cfg.LogLevel, flagLogLevel)
	override(&cfg.LogFormat, flagLogFormat)
	if flagDebug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadServerConfig()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	srv, err := bff.New(cfg.BFF(), bff.WithLogger(logger))
	if err != nil {
		logger.Error("build server", zap.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.ListenAndServe(ctx)
}
