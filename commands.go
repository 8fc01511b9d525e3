package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/go-authgate/storefront/credential"
	"github.com/go-authgate/storefront/session"
	"github.com/go-authgate/storefront/tui"
)

var errNotSignedIn = errors.New("not signed in")

var (
	flagEmail     string
	flagPassword  string
	flagName      string
	flagFields    map[string]string
	flagReturnURL string
	flagNoBrowser bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with email and password",
	Long: `Sign in with email and password. The password is taken from --password,
then STOREFRONT_PASSWORD, then the first line of stdin.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		password, err := readPassword(cmd.InOrStdin())
		if err != nil {
			return err
		}
		return runWithDisplayer(func(ctx context.Context, d tui.Displayer) error {
			cs, err := openSession(d)
			if err != nil {
				return err
			}
			defer cs.Close()
			return signIn(d, cs.manager.Login(ctx, flagEmail, password))
		})
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account and sign in",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		password, err := readPassword(cmd.InOrStdin())
		if err != nil {
			return err
		}
		input := map[string]any{"email": flagEmail, "password": password}
		if flagName != "" {
			input["name"] = flagName
		}
		for k, v := range flagFields {
			input[k] = v
		}
		return runWithDisplayer(func(ctx context.Context, d tui.Displayer) error {
			cs, err := openSession(d)
			if err != nil {
				return err
			}
			defer cs.Close()
			return signIn(d, cs.manager.Register(ctx, input))
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and clear the stored session",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return runWithDisplayer(func(ctx context.Context, d tui.Displayer) error {
			cs, err := openSession(d)
			if err != nil {
				return err
			}
			defer cs.Close()
			cs.manager.Logout(ctx)
			d.SignedOut()
			return nil
		})
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Restore the stored session and print the user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runWithDisplayer(func(ctx context.Context, d tui.Displayer) error {
			cs, err := openSession(d)
			if err != nil {
				return err
			}
			defer cs.Close()

			location, err := url.Parse(cs.cfg.ServerURL)
			if err != nil {
				return err
			}
			res, err := restore(ctx, d, cs, location)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res.User)
		})
	},
}

var callbackCmd = &cobra.Command{
	Use:   "callback <url>",
	Short: "Complete a browser login from the URL it returned to",
	Long: `Complete a browser login. Pass the full URL the browser landed on after
LINE login (it carries login_success and user_id, or an OAuth code). The
cleaned URL is printed to stdout.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		location, err := url.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid callback URL: %w", err)
		}
		return runWithDisplayer(func(ctx context.Context, d tui.Displayer) error {
			cs, err := openSession(d)
			if err != nil {
				return err
			}
			defer cs.Close()

			res, err := restore(ctx, d, cs, location)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Location.String())
			return nil
		})
	},
}

var lineLoginCmd = &cobra.Command{
	Use:   "line-login",
	Short: "Open the LINE login page in a browser",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runWithDisplayer(func(ctx context.Context, d tui.Displayer) error {
			var opts []session.Option
			if flagNoBrowser {
				opts = append(opts, session.WithNavigator(session.NavigatorFunc(
					func(context.Context, string) error { return nil },
				)))
			}
			cs, err := openSession(d, opts...)
			if err != nil {
				return err
			}
			defer cs.Close()

			returnURL := flagReturnURL
			if returnURL == "" {
				returnURL = cs.cfg.ServerURL + "/"
			}
			authURL, err := cs.manager.LoginWithLine(ctx, returnURL)
			if errors.Is(err, session.ErrLineNotConfigured) {
				return fmt.Errorf("%w: set LINE_CHANNEL_ID", err)
			}
			if err != nil {
				cs.logger.Warn("open browser", zap.Error(err))
			}
			d.LoginURLReady(authURL)
			fmt.Fprintln(cmd.OutOrStdout(), authURL)
			return nil
		})
	},
}

func init() {
	loginCmd.Flags().StringVar(&flagEmail, "email", "", "account email")
	loginCmd.Flags().StringVar(&flagPassword, "password", "", "account password (prefer STOREFRONT_PASSWORD or stdin)")
	_ = loginCmd.MarkFlagRequired("email")

	registerCmd.Flags().StringVar(&flagEmail, "email", "", "account email")
	registerCmd.Flags().StringVar(&flagPassword, "password", "", "account password (prefer STOREFRONT_PASSWORD or stdin)")
	registerCmd.Flags().StringVar(&flagName, "name", "", "display name")
	registerCmd.Flags().StringToStringVar(&flagFields, "field", nil, "extra registration field key=value (repeatable)")
	_ = registerCmd.MarkFlagRequired("email")

	lineLoginCmd.Flags().StringVar(&flagReturnURL, "return-url", "", "page to return to after login (default: the server URL)")
	lineLoginCmd.Flags().BoolVar(&flagNoBrowser, "no-browser", false, "print the login URL without opening a browser")

	rootCmd.AddCommand(loginCmd, registerCmd, logoutCmd, whoamiCmd, callbackCmd, lineLoginCmd)
}

// restore bootstraps the session at location and reports the outcome.
func restore(ctx context.Context, d tui.Displayer, cs *clientSession, location *url.URL) (*session.BootstrapResult, error) {
	res, err := cs.manager.Bootstrap(ctx, location)
	if err != nil {
		return nil, err
	}
	if res.Strategy == session.StrategyNone {
		d.NoSession()
		return nil, errNotSignedIn
	}
	d.SessionRestored(res.Strategy, res.User, res.Durable)
	d.Done(res.User)
	return res, nil
}

func signIn(d tui.Displayer, res session.Result) error {
	if !res.Success {
		return errors.New(res.Error)
	}
	d.SignedIn(res.User)
	d.Done(res.User)
	return nil
}

func readPassword(stdin io.Reader) (string, error) {
	if flagPassword != "" {
		return flagPassword, nil
	}
	if p := os.Getenv("STOREFRONT_PASSWORD"); p != "" {
		return p, nil
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("password required: use --password, STOREFRONT_PASSWORD or stdin")
	}
	return line, nil
}

func printJSON(w io.Writer, u credential.User) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(u)
}
