package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	tea "charm.land/bubbletea/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/go-authgate/storefront/apiclient"
	"github.com/go-authgate/storefront/config"
	"github.com/go-authgate/storefront/logging"
	"github.com/go-authgate/storefront/session"
	"github.com/go-authgate/storefront/store"
	"github.com/go-authgate/storefront/tui"
)

var (
	flagConfig       string
	flagServerURL    string
	flagSessionFile  string
	flagSessionStore string
	flagProfile      string
	flagLocale       string
	flagDebug        bool
	flagPlain        bool
)

var rootCmd = &cobra.Command{
	Use:   "storefront",
	Short: "Storefront session client and backend-for-frontend server",
	Long: `storefront runs the storefront backend-for-frontend (serve) and manages a
signed-in storefront session from the terminal.

Settings are read from a YAML file (--config or CONFIG_FILE), then the
environment (a .env file is loaded first), then flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	config.LoadEnv()

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "YAML config file (or CONFIG_FILE env)")
	pf.StringVar(&flagServerURL, "server-url", "", "storefront BFF URL (default: http://localhost:3000 or SERVER_URL env)")
	pf.StringVar(&flagSessionFile, "session-file", "", "session file (default: .storefront-session.json or SESSION_FILE env)")
	pf.StringVar(&flagSessionStore, "session-store", "", "session backend: file, memory or redis://... (or SESSION_STORE env)")
	pf.StringVar(&flagProfile, "profile", "", "session profile name (or SESSION_PROFILE env)")
	pf.StringVar(&flagLocale, "locale", "", "message locale: th or en (or LOCALE env)")
	pf.BoolVar(&flagDebug, "debug", false, "log HTTP calls to stderr")
	pf.BoolVar(&flagPlain, "plain", false, "plain text output even on a terminal")
}

// reportedError marks an error the displayer has already shown.
type reportedError struct{ error }

func (e reportedError) Unwrap() error { return e.error }

func main() {
	if err := rootCmd.Execute(); err != nil {
		var reported reportedError
		if !errors.As(err, &reported) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

// runWithDisplayer runs fn with a TUI on a terminal and plain output
// otherwise. Errors returned by fn are shown through the displayer.
func runWithDisplayer(fn func(ctx context.Context, d tui.Displayer) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flagPlain || flagDebug || !isTTY() {
		d := tui.NewPlainDisplayer(os.Stderr)
		d.Banner()
		if err := fn(ctx, d); err != nil {
			d.Fatal(err)
			return reportedError{err}
		}
		return nil
	}

	// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
	// capability queries. Ctrl+C is handled by signal.NotifyContext.
	p := tea.NewProgram(tui.NewModel(), tea.WithOutput(os.Stderr), tea.WithInput(nil))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := p.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		}
	}()

	d := tui.NewProgramDisplayer(p)
	d.Banner()
	runErr := fn(ctx, d)
	if runErr != nil {
		d.Fatal(runErr)
	}
	p.Quit() // let BubbleTea drain terminal query responses before exiting
	wg.Wait()
	if runErr != nil {
		return reportedError{runErr}
	}
	return nil
}

func override(dst *string, flagValue string) {
	if flagValue != "" {
		*dst = flagValue
	}
}

func loadClientConfig() (*config.Client, error) {
	cfg, err := config.LoadClient(flagConfig)
	if err != nil {
		return nil, err
	}
	override(&cfg.ServerURL, flagServerURL)
	override(&cfg.SessionFile, flagSessionFile)
	override(&cfg.SessionStore, flagSessionStore)
	override(&cfg.SessionProfile, flagProfile)
	override(&cfg.Locale, flagLocale)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Insecure() {
		fmt.Fprintln(
			os.Stderr,
			"⚠️  WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!",
		)
		fmt.Fprintln(
			os.Stderr,
			"⚠️  This is only safe for local development. Use HTTPS in production.",
		)
		fmt.Fprintln(os.Stderr)
	}
	return cfg, nil
}

func cliLogger() *zap.Logger {
	if flagDebug {
		return logging.Debug()
	}
	return zap.NewNop()
}

// clientSession bundles the per-command session plumbing.
type clientSession struct {
	cfg     *config.Client
	store   store.Store
	client  *apiclient.Client
	manager *session.Manager
	logger  *zap.Logger
}

func openSession(d tui.Displayer, opts ...session.Option) (*clientSession, error) {
	cfg, err := loadClientConfig()
	if err != nil {
		return nil, err
	}
	logger := cliLogger()

	st, err := store.Open(cfg.SessionStore, cfg.SessionFile, cfg.SessionProfile)
	if err != nil {
		return nil, err
	}

	client, err := apiclient.New(cfg.ServerURL, st,
		apiclient.WithObserver(d),
		apiclient.WithLogger(logger.Named("api")),
		apiclient.WithRefreshTimeout(cfg.RefreshTimeout),
	)
	if err != nil {
		closeStore(st)
		return nil, err
	}

	opts = append([]session.Option{
		session.WithObserver(d),
		session.WithLogger(logger.Named("session")),
	}, opts...)

	return &clientSession{
		cfg:     cfg,
		store:   st,
		client:  client,
		manager: session.New(client, st, cfg.Session(), opts...),
		logger:  logger,
	}, nil
}

func (cs *clientSession) Close() {
	closeStore(cs.store)
	_ = cs.logger.Sync()
}

func closeStore(st store.Store) {
	if c, ok := st.(io.Closer); ok {
		_ = c.Close()
	}
}
