package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/greg-hellings/cev/pkg/api"
	"github.com/greg-hellings/cev/pkg/app"
	"github.com/greg-hellings/cev/pkg/config"
	"github.com/greg-hellings/cev/pkg/download"
	"github.com/greg-hellings/cev/pkg/report"
	consolefmt "github.com/greg-hellings/cev/pkg/report/format"
	"github.com/greg-hellings/cev/pkg/session"
	"github.com/greg-hellings/cev/pkg/upload"
)

// build-time override (e.g. -ldflags "-X main.version=1.2.3")
var version = "dev"

// Global (root-level) flag variables
var (
	flagVerbose bool
	flagDebug   bool
	flagConfig  string
	flagBaseURL string
	flagEnv     string
	flagTimeout time.Duration
)

// output flags shared by the read commands
type outputFlags struct {
	format     string
	outputFile string
	noColor    bool
	nameWidth  int
	jsonIndent bool
}

var outFlags outputFlags

func main() {
	root := newRootCmd()
	root.SilenceUsage = true
	root.SilenceErrors = true

	if err := root.Execute(); err != nil {
		// If Execute() returns an error, logging may or may not be initialized yet.
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root Cobra command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cev",
		Short: "Chemical Equipment Visualizer client",
		Long: strings.TrimSpace(`
cev - client for the Chemical Equipment Visualizer analytics API

Store backend credentials once with "cev login", upload equipment CSV files,
and review the latest dataset, upload history, and PDF reports.`),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			initLogging()
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable verbose (info) logging")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging (overrides --verbose)")
	cmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Config file (YAML or TOML; default "+config.DefaultPath()+" when present)")
	cmd.PersistentFlags().StringVar(&flagBaseURL, "base-url", "", "API base URL (overrides config and "+config.EnvBaseURL+")")
	cmd.PersistentFlags().StringVar(&flagEnv, "env", "", "Named environment from the config file")
	cmd.PersistentFlags().DurationVar(&flagTimeout, "timeout", 2*time.Minute, "Timeout for the whole command")
	cmd.Version = version

	// Add subcommands
	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newDashboardCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newDetailCmd())
	cmd.AddCommand(newUploadCmd())
	cmd.AddCommand(newDownloadCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// newVersionCmd prints version info (simple helper).
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cev version: %s\n", version)
		},
	}
}

func initLogging() {
	var level slog.Level
	switch {
	case flagDebug:
		level = slog.LevelDebug
	case flagVerbose:
		level = slog.LevelInfo
	default:
		level = slog.LevelWarn
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))
	slog.Debug("Logging initialized", "level", level.String())
}

// loadConfig resolves the effective configuration: file, environment, then
// command-line flags.
func loadConfig() (*config.Config, error) {
	path := flagConfig
	if path == "" {
		if _, err := os.Stat(config.DefaultPath()); err == nil {
			path = config.DefaultPath()
		}
	}
	cfg, err := config.Load(path, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if flagEnv != "" {
		cfg.Environment = flagEnv
	}
	if flagBaseURL != "" {
		cfg.BaseURL = flagBaseURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newApp() (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(cfg, app.Options{})
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, flagTimeout)
}

// newLoginCmd creates the 'login' subcommand.
func newLoginCmd() *cobra.Command {
	var username, password string
	var noVerify bool
	c := &cobra.Command{
		Use:   "login",
		Short: "Verify and store backend credentials",
		Long: strings.TrimSpace(`
Verify a username and password against the API and store them locally.
When --password is omitted on an interactive terminal, it is prompted for
without echo.

Credentials are stored unencrypted unless the keyring storage backend is
configured.`),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" && term.IsTerminal(int(os.Stdin.Fd())) {
				fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
				raw, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(cmd.ErrOrStderr())
				if err != nil {
					return fmt.Errorf("failed to read password: %w", err)
				}
				password = string(raw)
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()

			var res session.Result
			if noVerify {
				res = a.Session.Save(username, password)
			} else {
				res = a.Login(ctx, username, password)
			}
			if !res.Success {
				return errors.New(res.Message)
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			return nil
		},
	}
	c.Flags().StringVarP(&username, "username", "u", "", "Backend username")
	c.Flags().StringVarP(&password, "password", "p", "", "Backend password (prompted when omitted)")
	c.Flags().BoolVar(&noVerify, "no-verify", false, "Store without checking the credentials against the API")
	return c
}

// newLogoutCmd creates the 'logout' subcommand.
func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget stored credentials and cached state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			if err := a.Logout(); err != nil {
				return fmt.Errorf("failed to clear credentials: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
			return nil
		},
	}
}

// newStatusCmd creates the 'status' subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session and configuration in use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			st := a.Session.Status()
			if st.Authenticated {
				fmt.Fprintf(w, "Signed in as %s (source: %s)\n", st.Username, st.Source)
			} else {
				fmt.Fprintln(w, "Not signed in. Run \"cev login\" to add backend credentials.")
			}
			fmt.Fprintf(w, "API: %s\n", a.Client.BaseURL())
			fmt.Fprintf(w, "Storage: %s\n", a.Config.Storage.Backend)
			fmt.Fprintf(w, "Uploaded from this machine: %t\n", a.Uploaded.Get())
			return nil
		},
	}
}

func addOutputFlags(c *cobra.Command) {
	c.Flags().StringVarP(&outFlags.format, "format", "f", "console", "Output format: console|json")
	c.Flags().StringVarP(&outFlags.outputFile, "out", "o", "", "Write output to file instead of stdout")
	c.Flags().BoolVar(&outFlags.noColor, "no-color", false, "Disable ANSI colors (console format)")
	c.Flags().IntVar(&outFlags.nameWidth, "name-col-width", 0, "Max width of name columns (console format; 0=auto)")
	c.Flags().BoolVar(&outFlags.jsonIndent, "json-indent", false, "Pretty-print JSON output")
}

// newDashboardCmd creates the 'dashboard' subcommand.
func newDashboardCmd() *cobra.Command {
	var failOnError bool
	c := &cobra.Command{
		Use:   "dashboard",
		Short: "Show the latest dataset and upload history",
		Long: strings.TrimSpace(`
Fetch the latest dataset and the upload history and render them.

Formats:
  console (default) - adaptive terminal tables
  json              - machine-readable JSON

Examples:
  cev dashboard
  cev dashboard --format json --json-indent
  cev dashboard --env staging --no-color
`),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := loadDashboard(cmd)
			if err != nil {
				return err
			}
			if err := writeOutput(cmd, func(w io.Writer) error {
				return renderDashboard(d, w)
			}); err != nil {
				return err
			}
			if failOnError && d.HasErrors() {
				return fmt.Errorf("refresh failed: %s", d.Error)
			}
			return nil
		},
	}
	addOutputFlags(c)
	c.Flags().BoolVar(&failOnError, "fail-on-error", false, "Exit with non-zero status if the refresh failed")
	return c
}

// newHistoryCmd creates the 'history' subcommand.
func newHistoryCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "history",
		Short: "List uploaded datasets, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := loadDashboard(cmd)
			if err != nil {
				return err
			}
			if d.HasErrors() {
				return errors.New(d.Error)
			}
			return writeOutput(cmd, func(w io.Writer) error {
				if strings.ToLower(outFlags.format) == "json" {
					return writeJSON(w, d.History)
				}
				// History only: hide the latest panel.
				view := *d
				view.Latest = nil
				view.Distribution = nil
				return newFormatter().Render(&view, w)
			})
		},
	}
	addOutputFlags(c)
	return c
}

// newDetailCmd creates the 'detail' subcommand.
func newDetailCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "detail <dataset-id>",
		Short: "Show one dataset including its metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()

			detail, err := a.Sync.Select(ctx, args[0])
			if err != nil {
				return errors.New(api.MessageOr(err, api.MsgFetchFailed))
			}
			return writeOutput(cmd, func(w io.Writer) error {
				if strings.ToLower(outFlags.format) == "json" {
					return writeJSON(w, detail)
				}
				return newFormatter().RenderDetail(detail, w)
			})
		},
	}
	addOutputFlags(c)
	return c
}

// newUploadCmd creates the 'upload' subcommand.
func newUploadCmd() *cobra.Command {
	var name string
	c := &cobra.Command{
		Use:   "upload <file.csv>",
		Short: "Upload an equipment CSV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err != nil {
				return fmt.Errorf("cannot read %s: %w", args[0], err)
			}
			a, err := newApp()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			a.Start(ctx)
			defer a.Stop()
			a.Wait()

			a.Upload.SetFile(upload.LocalFile(args[0]))
			a.Upload.SetName(name)
			st := a.Upload.Submit(ctx)
			if !st.Success {
				return errors.New(st.Message)
			}
			fmt.Fprintln(cmd.OutOrStdout(), st.Message)
			if latest := a.Sync.Snapshot().Latest; latest != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Latest dataset: %s (%d records, id %s)\n",
					latest.DisplayName(), latest.TotalRecords, latest.ID)
			}
			return nil
		},
	}
	c.Flags().StringVarP(&name, "name", "n", "", "Dataset name (defaults to the server's choice)")
	return c
}

// newDownloadCmd creates the 'download' subcommand.
func newDownloadCmd() *cobra.Command {
	var dir string
	var concurrency int
	c := &cobra.Command{
		Use:   "download <dataset-id>...",
		Short: "Download PDF reports for one or more datasets",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if dir != "" {
				cfg.Download.Dir = dir
			}
			if concurrency > 0 {
				cfg.Download.Concurrency = concurrency
			}
			a, err := app.New(cfg, app.Options{})
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()

			targets, err := resolveDatasets(ctx, a, args)
			if err != nil {
				return err
			}
			ch, handle, err := a.Batch.RunBatch(ctx, targets, download.BatchOptions{Concurrency: cfg.Download.Concurrency})
			if err != nil {
				return err
			}
			for p := range ch {
				slog.Info("Download progress", "id", p.ID, "phase", p.Phase)
			}
			results, err := handle.Result()
			if err != nil {
				return fmt.Errorf("download interrupted: %w", err)
			}

			failed := 0
			for _, r := range results {
				if r.OK() {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", r.ID, r.Path)
					continue
				}
				failed++
				fmt.Fprintf(cmd.ErrOrStderr(), "%s\t%s\n", r.ID, r.Message)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d downloads failed", failed, len(results))
			}
			return nil
		},
	}
	c.Flags().StringVarP(&dir, "dir", "d", "", "Directory to save reports in (default from config, else current directory)")
	c.Flags().IntVar(&concurrency, "concurrency", 0, "Maximum simultaneous downloads (0=config default)")
	return c
}

// resolveDatasets maps ids to dataset summaries (needed for file names),
// using the history and falling back to a detail fetch per unknown id.
func resolveDatasets(ctx context.Context, a *app.App, ids []string) ([]api.Dataset, error) {
	snap := a.Sync.Refresh(ctx)
	if snap.Error != "" {
		return nil, errors.New(snap.Error)
	}
	known := make(map[string]api.Dataset, len(snap.History))
	for _, ds := range snap.History {
		known[ds.ID] = ds
	}
	out := make([]api.Dataset, 0, len(ids))
	for _, id := range ids {
		if ds, ok := known[id]; ok {
			out = append(out, ds)
			continue
		}
		detail, err := a.Sync.Select(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%s: %s", id, api.MessageOr(err, api.MsgFetchFailed))
		}
		out = append(out, detail.Dataset)
	}
	return out, nil
}

// loadDashboard starts the app, waits for the first refresh and builds the
// view model.
func loadDashboard(cmd *cobra.Command) (*report.Dashboard, error) {
	a, err := newApp()
	if err != nil {
		return nil, err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	start := time.Now()
	a.Start(ctx)
	defer a.Stop()
	if !a.Session.Authenticated() {
		// Nothing was scheduled; produce the signed-out snapshot.
		a.Sync.Refresh(ctx)
	}
	a.Wait()

	d := a.Dashboard(time.Now())
	slog.Info("Dashboard loaded",
		"history", len(d.History),
		"error", d.Error,
		"duration", time.Since(start).String())
	return d, nil
}

func newFormatter() *consolefmt.ConsoleFormatter {
	f := consolefmt.NewConsoleFormatter()
	f.EnableColors = !outFlags.noColor
	if outFlags.nameWidth > 0 {
		f.MaxNameColWidth = outFlags.nameWidth
	}
	return f
}

// writeOutput runs render against stdout or the --out file.
func writeOutput(cmd *cobra.Command, render func(io.Writer) error) error {
	format := strings.ToLower(outFlags.format)
	if format != "console" && format != "json" {
		return fmt.Errorf("unsupported format: %s", outFlags.format)
	}

	w := cmd.OutOrStdout()
	if outFlags.outputFile != "" {
		if err := os.MkdirAll(filepath.Dir(outFlags.outputFile), 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
		f, err := os.Create(outFlags.outputFile)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	if err := render(w); err != nil {
		return fmt.Errorf("failed to render %s output: %w", format, err)
	}
	return nil
}

// renderDashboard renders the dashboard in the selected format.
func renderDashboard(d *report.Dashboard, w io.Writer) error {
	if strings.ToLower(outFlags.format) == "json" {
		return writeJSON(w, jsonOutput{
			Version:   version,
			Dashboard: d,
			Summary: jsonSummary{
				HistoryCount: len(d.History),
				HasLatest:    d.Latest != nil,
			},
		})
	}
	fmt.Fprintf(w, "Chemical Equipment Dashboard (format=console)\n\n")
	return newFormatter().Render(d, w)
}

// jsonOutput is the structured JSON shape we emit for the dashboard.
type jsonOutput struct {
	Version string `json:"cliVersion"`
	*report.Dashboard
	Summary jsonSummary `json:"summary"`
}

type jsonSummary struct {
	HistoryCount int  `json:"historyCount"`
	HasLatest    bool `json:"hasLatest"`
}

func writeJSON(w io.Writer, v any) error {
	var data []byte
	var err error
	if outFlags.jsonIndent {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
