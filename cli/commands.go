package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/yllada/sessionctl/accounts"
	"github.com/yllada/sessionctl/common"
	"github.com/yllada/sessionctl/config"
	"github.com/yllada/sessionctl/history"
)

// BuildInfo is injected at link time by package main.
type BuildInfo struct {
	Version string
	Time    string
	Commit  string
}

// Execute runs the command tree with ctx as the root context.
func Execute(ctx context.Context, build BuildInfo) error {
	return NewRootCommand(build).ExecuteContext(ctx)
}

// NewRootCommand builds the sessionctl command tree. The configuration is
// loaded and the logger initialized before any subcommand runs.
func NewRootCommand(build BuildInfo) *cobra.Command {
	var (
		cfgFile string
		verbose bool
		app     *App
	)

	root := &cobra.Command{
		Use:   common.AppName,
		Short: "Run browser sessions for accounts behind a per-account VPN region",
		Long: `sessionctl connects the host VPN to each account's region, launches a
browser with the account's persistent fingerprint and profile, runs the
session and records the outcome.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if err := initLogging(cfg.Log, verbose); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: Could not initialize file logging: %v\n", err)
			}
			app = New(cfg, cmd.OutOrStdout(), common.GetLogger().Zap())
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ~/.config/sessionctl/config.yaml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	get := func() *App { return app }
	root.AddCommand(
		newRunCmd(get),
		newConnectCmd(get),
		newDisconnectCmd(get),
		newStateCmd(get),
		newFingerprintCmd(get),
		newHistoryCmd(get),
		newTokenCmd(get),
		newVersionCmd(build),
	)
	return root
}

func initLogging(lc config.LogConfig, verbose bool) error {
	level := common.ParseLogLevel(lc.Level)
	if verbose {
		level = common.LevelDebug
	}
	return common.InitLogger(common.LogConfig{
		Level:       level,
		EnableFile:  lc.File,
		Dir:         lc.Dir,
		MaxFileSize: lc.MaxSizeMB,
		MaxBackups:  lc.MaxBackups,
	})
}

func newRunCmd(app func() *App) *cobra.Command {
	var opts RunOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one session per account",
		Long: `Run fetches the machine's accounts in --status from the accounts API, or
takes a single --account/--region pair, and runs one session for each.
The VPN is disconnected once after the last session.`,
		Example: `  sessionctl run --status ready --url https://example.com --hold 2m --mark warming
  sessionctl run --account acct_42 --region us_dallas --until-closed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app().Run(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Status, "status", "", "fetch accounts in this status ("+statusList()+")")
	f.StringVar(&opts.AccountID, "account", "", "run a single account")
	f.StringVar(&opts.Region, "region", "", "VPN region for --account")
	f.IntVar(&opts.Limit, "limit", 0, "run at most this many fetched accounts")
	f.StringVar(&opts.URL, "url", "", "page to open once the browser is ready")
	f.DurationVar(&opts.Hold, "hold", 0, "keep each browser open this long")
	f.BoolVar(&opts.UntilClosed, "until-closed", false, "keep each session running until its browser window is closed")
	f.StringVar(&opts.Mark, "mark", "", "status to set after a successful session")
	cmd.MarkFlagsMutuallyExclusive("status", "account")
	return cmd
}

func newConnectCmd(app func() *App) *cobra.Command {
	return &cobra.Command{
		Use:   "connect <region>",
		Short: "Connect the VPN to a region",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app().Connect(cmd.Context(), args[0])
		},
	}
}

func newDisconnectCmd(app func() *App) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Disconnect the VPN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app().Disconnect(cmd.Context())
		},
	}
}

func newStateCmd(app func() *App) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the VPN connection state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app().State(cmd.Context())
		},
	}
}

func newFingerprintCmd(app func() *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Inspect or reset stored account fingerprints",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show <account>",
			Short: "Print the stored fingerprint",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return app().ShowFingerprint(args[0])
			},
		},
		&cobra.Command{
			Use:   "reset <account>",
			Short: "Delete the account's profile and fingerprint",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return app().ResetFingerprint(cmd.Context(), args[0])
			},
		},
	)
	return cmd
}

func newHistoryCmd(app func() *App) *cobra.Command {
	var (
		f     history.Filter
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}
			return app().History(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.AccountID, "account", "", "only this account")
	cmd.Flags().BoolVar(&f.FailedOnly, "failed", false, "only failed sessions")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum number of rows")
	cmd.Flags().DurationVar(&since, "since", 0, "only sessions started within this window")

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete old session records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app().PruneHistory(cmd.Context(), olderThan)
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of the records to delete")
	cmd.AddCommand(prune)
	return cmd
}

func newTokenCmd(app func() *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the accounts API token",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set",
			Short: "Store the API token (read from the terminal or stdin)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				token, err := readSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), "API token: ")
				if err != nil {
					return err
				}
				return app().SetToken(token)
			},
		},
		&cobra.Command{
			Use:   "delete",
			Short: "Remove the stored API token",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return app().DeleteToken()
			},
		},
	)
	return cmd
}

func newVersionCmd(build BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", common.AppName, build.Version)
			if build.Time != "" && build.Time != "unknown" {
				fmt.Fprintf(out, "  Build:  %s\n", build.Time)
				fmt.Fprintf(out, "  Commit: %s\n", build.Commit)
			}
		},
	}
}

// readSecret prompts with echo disabled when in is a terminal and reads a
// single line otherwise.
func readSecret(in io.Reader, prompt io.Writer, label string) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, label)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func statusList() string {
	names := make([]string, 0, len(accounts.Statuses()))
	for _, s := range accounts.Statuses() {
		names = append(names, fmt.Sprintf("%q", string(s)))
	}
	return strings.Join(names, ", ")
}
