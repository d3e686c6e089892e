// Package cli provides the sessionctl command line: batch runs, manual
// tunnel control, fingerprint inspection, session history and API token
// management.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/yllada/sessionctl/accounts"
	"github.com/yllada/sessionctl/browser"
	"github.com/yllada/sessionctl/common"
	"github.com/yllada/sessionctl/config"
	"github.com/yllada/sessionctl/history"
	"github.com/yllada/sessionctl/identity"
	"github.com/yllada/sessionctl/session"
	"github.com/yllada/sessionctl/vpn"
)

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	labelStyle = lipgloss.NewStyle().Faint(true)
)

// App holds the loaded configuration and the collaborators the commands
// build on demand. Nil collaborators are created from the configuration.
type App struct {
	cfg *config.Config
	out io.Writer
	log *zap.Logger

	exec     vpn.Executor
	launcher browser.Launcher
	tokens   common.CredentialStore
}

// New creates an App writing human output to out.
func New(cfg *config.Config, out io.Writer, logger *zap.Logger) *App {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if out == nil {
		out = os.Stdout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{cfg: cfg, out: out, log: logger}
}

// State prints the tunnel state reported by the control process and, while
// connected, the selected region.
func (a *App) State(ctx context.Context) error {
	ctrl := a.controller()
	if err := ctrl.EnsureInstalled(ctx); err != nil {
		return err
	}
	st := ctrl.State(ctx)
	fmt.Fprintf(a.out, "%s %s\n", labelStyle.Render("VPN:"), stateStyle(st).Render(st.String()))
	if st != vpn.StateConnected {
		return nil
	}
	if err := ctrl.RefreshRegion(ctx); err != nil {
		a.log.Debug("region query failed", zap.Error(err))
	}
	if region := ctrl.Region(); region != "" {
		fmt.Fprintf(a.out, "%s %s\n", labelStyle.Render("Region:"), region)
	}
	return nil
}

// Connect switches the tunnel to region and waits until it is up.
func (a *App) Connect(ctx context.Context, region string) error {
	if strings.TrimSpace(region) == "" {
		return common.ErrInvalidRegion
	}
	ctrl := a.controller()
	if err := ctrl.EnsureInstalled(ctx); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Connecting to %s...\n", region)
	start := time.Now()
	if err := ctrl.Connect(ctx, region); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s %s in %s\n", okStyle.Render("Connected"), ctrl.Region(), formatDuration(time.Since(start)))
	return nil
}

// Disconnect tears the tunnel down.
func (a *App) Disconnect(ctx context.Context) error {
	ctrl := a.controller()
	if err := ctrl.EnsureInstalled(ctx); err != nil {
		return err
	}
	if err := ctrl.Disconnect(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, okStyle.Render("Disconnected"))
	return nil
}

// ShowFingerprint prints the stored fingerprint for accountID without
// creating one.
func (a *App) ShowFingerprint(accountID string) error {
	store, err := a.identityStore()
	if err != nil {
		return err
	}
	fp, ok, err := store.Lookup(accountID)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(a.out, "No fingerprint stored for %s.\n", accountID)
		return nil
	}
	profileDir, recordPath, err := store.PathFor(accountID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	row := func(k, v string) { fmt.Fprintf(w, "%s\t%s\n", labelStyle.Render(k), v) }
	row("ID", fp.ID)
	row("Created", fp.CreatedAt.Local().Format(time.DateTime))
	row("Browser", fmt.Sprintf("%s %s", fp.Browser, fp.BrowserVersion))
	row("OS", fp.OS)
	row("Device", fp.Device)
	row("User agent", fp.UserAgent)
	row("Locale", fp.Locale)
	row("Screen", fmt.Sprintf("%dx%d @%gx", fp.Screen.Width, fp.Screen.Height, fp.Screen.PixelRatio))
	row("WebGL", fmt.Sprintf("%s / %s", fp.WebGL.Vendor, fp.WebGL.Renderer))
	row("Fonts", fmt.Sprintf("%d", len(fp.Fonts)))
	row("Profile", profileDir)
	row("Record", recordPath)
	return w.Flush()
}

// ResetFingerprint deletes the account's profile so the next run creates
// a new one.
func (a *App) ResetFingerprint(ctx context.Context, accountID string) error {
	store, err := a.identityStore()
	if err != nil {
		return err
	}
	if err := store.Reset(ctx, accountID); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Profile for %s removed.\n", accountID)
	return nil
}

// History prints recorded sessions.
func (a *App) History(ctx context.Context, f history.Filter) error {
	ledger, err := history.Open(a.cfg.History.Path)
	if err != nil {
		return err
	}
	defer ledger.Close()

	entries, err := ledger.List(ctx, f)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(a.out, "No sessions recorded.")
		return nil
	}

	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tACCOUNT\tREGION\tRESULT\tSTAGE\tDURATION\tERROR")
	fmt.Fprintln(w, "-------\t-------\t------\t------\t-----\t--------\t-----")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Started.Local().Format(time.DateTime),
			e.AccountID,
			e.Region,
			resultLabel(e.OK(), e.Kind),
			e.Stage,
			formatDuration(e.Duration()),
			truncate(e.Error, 60))
	}
	return w.Flush()
}

// PruneHistory deletes sessions started before now minus age.
func (a *App) PruneHistory(ctx context.Context, age time.Duration) error {
	if age <= 0 {
		return fmt.Errorf("invalid age %v", age)
	}
	ledger, err := history.Open(a.cfg.History.Path)
	if err != nil {
		return err
	}
	defer ledger.Close()

	n, err := ledger.Prune(ctx, time.Now().Add(-age))
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Removed %d session(s) older than %s.\n", n, formatDuration(age))
	return nil
}

// SetToken stores the accounts API token.
func (a *App) SetToken(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("empty token")
	}
	store := a.tokenStore()
	if err := store.Store(accounts.TokenKey, token); err != nil {
		return err
	}
	where := ""
	if b, ok := store.(interface{ Backend() string }); ok {
		where = " to " + b.Backend()
	}
	fmt.Fprintf(a.out, "API token %s saved%s.\n", common.MaskSecret(token), where)
	return nil
}

// DeleteToken removes the accounts API token.
func (a *App) DeleteToken() error {
	err := a.tokenStore().Delete(accounts.TokenKey)
	if errors.Is(err, common.ErrCredentialsNotFound) {
		fmt.Fprintln(a.out, "No API token stored.")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, "API token removed.")
	return nil
}

// RunOptions select the accounts of a batch and what each session does.
type RunOptions struct {
	// Status fetches the machine's accounts in this status.
	Status string
	// AccountID and Region run a single explicit account instead.
	AccountID string
	Region    string
	// Limit caps the number of fetched accounts; zero means all.
	Limit int

	// URL is opened once the browser is ready.
	URL string
	// Hold keeps the browser open this long after navigation.
	Hold time.Duration
	// UntilClosed keeps each session running until the user closes the
	// browser. Hold, when set, caps the wait.
	UntilClosed bool
	// Mark moves each account to this status after a successful session.
	Mark string
}

// Run executes a batch and prints one line per session. It fails when any
// session failed.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	var mark accounts.AccountStatus
	if opts.Mark != "" {
		m, err := accounts.ParseStatus(opts.Mark)
		if err != nil {
			return err
		}
		mark = m
	}

	var client *accounts.Client
	if opts.Status != "" || opts.Mark != "" {
		c, err := a.accountsClient()
		if err != nil {
			return err
		}
		client = c
	}

	ids, err := a.selectAccounts(ctx, client, opts)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintln(a.out, "No accounts to run.")
		return nil
	}

	orch, cleanup, err := a.orchestrator(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	fmt.Fprintf(a.out, "Running %d session(s)...\n", len(ids))
	results := orch.RunBatch(ctx, ids, browseActivity(opts, client, mark))
	return a.printResults(results)
}

func (a *App) selectAccounts(ctx context.Context, client *accounts.Client, opts RunOptions) ([]session.AccountIdentity, error) {
	if opts.AccountID != "" {
		if opts.Status != "" {
			return nil, errors.New("--account and --status are mutually exclusive")
		}
		if err := identity.ValidateAccountID(opts.AccountID); err != nil {
			return nil, err
		}
		if strings.TrimSpace(opts.Region) == "" {
			return nil, fmt.Errorf("--region is required with --account: %w", common.ErrInvalidRegion)
		}
		return []session.AccountIdentity{{AccountID: opts.AccountID, RegionCode: opts.Region}}, nil
	}
	if opts.Status == "" {
		return nil, errors.New("either --status or --account is required")
	}

	status, err := accounts.ParseStatus(opts.Status)
	if err != nil {
		return nil, err
	}
	list, err := client.Accounts(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("fetching %s accounts: %w", status, err)
	}
	if opts.Limit > 0 && len(list) > opts.Limit {
		list = list[:opts.Limit]
	}
	ids := make([]session.AccountIdentity, 0, len(list))
	for _, acct := range list {
		ids = append(ids, acct.Identity())
	}
	return ids, nil
}

func (a *App) printResults(results []session.Result) error {
	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tREGION\tRESULT\tSTAGE\tDURATION\tERROR")
	fmt.Fprintln(w, "-------\t------\t------\t-----\t--------\t-----")
	failed := 0
	for _, r := range results {
		errText := ""
		if r.Err != nil {
			failed++
			errText = truncate(r.Err.Error(), 60)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.AccountID,
			r.Region,
			resultLabel(r.OK(), r.Kind.String()),
			r.Stage,
			formatDuration(r.Duration()),
			errText)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d sessions failed", failed, len(results))
	}
	return nil
}

func resultLabel(ok bool, kind string) string {
	if ok {
		return okStyle.Render("ok")
	}
	return failStyle.Render(kind)
}

func stateStyle(st vpn.ConnectionState) lipgloss.Style {
	switch st {
	case vpn.StateConnected:
		return okStyle
	case vpn.StateDisconnected:
		return failStyle
	default:
		return warnStyle
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
