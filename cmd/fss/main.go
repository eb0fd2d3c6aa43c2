package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/pders01/fss/internal/cache"
	"github.com/pders01/fss/internal/config"
	"github.com/pders01/fss/internal/debuglog"
	"github.com/pders01/fss/internal/feed"
	"github.com/pders01/fss/internal/server"
	"github.com/pders01/fss/internal/storage"
	"github.com/pders01/fss/internal/upstream"
	"github.com/pders01/fss/internal/validation"
)

// Version is the version of the application, set at build time
var Version = "dev"

var (
	configPath string
	addrFlag   string
	cacheFlag  string
	quiet      bool
	sfwFlag    bool
	rssFlag    bool
	pageFlag   int
)

var rootCmd = &cobra.Command{
	Use:           "fss",
	Short:         "FurAffinity gallery feed proxy",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve Atom and RSS feeds for galleries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !quiet {
			showBanner(cmd.OutOrStdout())
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg)
	},
}

var previewCmd = &cobra.Command{
	Use:   "preview <username>",
	Short: "Build a gallery feed once and print a summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		q := feed.Query{
			Username: args[0],
			Page:     pageFlag,
			SFW:      sfwFlag,
			Format:   feed.FormatAtom,
		}
		if rssFlag {
			q.Format = feed.FormatRSS
		}
		return runPreview(cmd.Context(), cmd.OutOrStdout(), cfg, q)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		printVersion(outOf(cmd))
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configGenCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate default config file",
	Run: func(cmd *cobra.Command, _ []string) {
		out := outOf(cmd)
		path, err := generateConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(out, "Generated default configuration at: %s\n", path)
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the submission cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the number of cached submissions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runCacheStats(cmd.Context(), cmd.OutOrStdout(), cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&cacheFlag, "cache", "", "Path to cache snapshot (overrides config)")

	serveCmd.Flags().StringVar(&addrFlag, "addr", "", "Listen address (overrides config)")
	serveCmd.Flags().BoolVar(&quiet, "quiet", false, "Skip startup banner")

	previewCmd.Flags().BoolVar(&sfwFlag, "sfw", false, "Only include general-rated submissions")
	previewCmd.Flags().BoolVar(&rssFlag, "rss", false, "Encode as RSS instead of Atom")
	previewCmd.Flags().IntVar(&pageFlag, "page", 1, "Gallery page")

	configCmd.AddCommand(configGenCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
	rootCmd.AddCommand(serveCmd, previewCmd, versionCmd, configCmd, cacheCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func outOf(cmd *cobra.Command) io.Writer {
	if cmd == nil {
		return os.Stdout
	}
	return cmd.OutOrStdout()
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "fss %s\n", Version)
	fmt.Fprintln(w, "FurAffinity gallery feed proxy")
	fmt.Fprintln(w, "github.com/pders01/fss")
}

func generateConfig() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	path := filepath.Join(home, ".config", "fss", "config.toml")
	if err := config.GenerateDefaultConfig(path); err != nil {
		return "", err
	}
	return path, nil
}

// loadConfig reads the config file and applies command line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if addrFlag != "" {
		cfg.Server.Addr = addrFlag
	}
	if cacheFlag != "" {
		cfg.Cache.Path = cacheFlag
	}
	return cfg, nil
}

// stack is the wired feed pipeline.
type stack struct {
	snap      storage.Snapshotter
	cache     *cache.Cache
	assembler *feed.Assembler
}

// Close flushes pending records and releases the snapshot.
func (s *stack) Close(ctx context.Context) error {
	var errs []error
	if err := s.cache.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.snap.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing cache snapshot: %w", err))
	}
	return errors.Join(errs...)
}

func openStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	validator := validation.NewBaseURLValidator()
	if cfg.Upstream.AllowLocal {
		validator = validation.NewPermissiveBaseURLValidator()
	}
	baseURL, err := validator.ValidateAndNormalize(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream.base_url: %w", err)
	}

	cachePath, err := validation.NewCachePathValidator().ValidateAndPrepare(cfg.Cache.Path)
	if err != nil {
		return nil, fmt.Errorf("invalid cache.path: %w", err)
	}

	client, err := upstream.NewClient(upstream.Options{
		BaseURL:         baseURL,
		UserAgent:       cfg.Upstream.UserAgent,
		HTTPTimeout:     cfg.Upstream.HTTPTimeout,
		RetryInterval:   cfg.Upstream.RetryInterval,
		MaxRetryElapsed: cfg.Upstream.MaxRetryElapsed,
		CookieA:         cfg.Upstream.CookieA,
		CookieB:         cfg.Upstream.CookieB,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Upstream.CookieA == "" || cfg.Upstream.CookieB == "" {
		debuglog.Warnf("upstream cookies not configured, mature submissions will be hidden")
	}

	snap, err := storage.Open(cfg.Cache.Backend, cachePath, storage.Options{Timeout: cfg.Cache.Timeout})
	if err != nil {
		return nil, fmt.Errorf("opening cache %s: %w", cachePath, err)
	}

	c, err := cache.New(ctx, client, snap, cache.WithFetchTimeout(cfg.Server.RequestTimeout))
	if err != nil {
		snap.Close()
		return nil, err
	}

	assembler := feed.NewAssembler(client, c,
		feed.WithSiteURL(baseURL),
		feed.WithPublicURL(cfg.Server.PublicURL),
	)

	return &stack{snap: snap, cache: c, assembler: assembler}, nil
}

func setupLogging(cfg *config.Config) error {
	if err := debuglog.Setup(debuglog.ParseLogLevel(cfg.Log.Level), cfg.Log.File); err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	return nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if err := setupLogging(cfg); err != nil {
		return err
	}
	defer debuglog.Close()

	st, err := openStack(ctx, cfg)
	if err != nil {
		return err
	}

	srv := server.New(st.assembler, st.cache, server.Options{
		RequestTimeout:  cfg.Server.RequestTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	runErr := srv.Run(ctx, cfg.Server.Addr)

	// The serve context is already cancelled here.
	if err := st.Close(context.WithoutCancel(ctx)); err != nil {
		debuglog.Errorf("closing cache: %v", err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func runPreview(ctx context.Context, w io.Writer, cfg *config.Config, q feed.Query) error {
	if err := setupLogging(cfg); err != nil {
		return err
	}
	defer debuglog.Close()

	username, err := validation.ValidateUsername(q.Username)
	if err != nil {
		return err
	}
	q.Username = username

	st, err := openStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close(context.WithoutCancel(ctx))

	doc, err := st.assembler.Build(ctx, q)
	if err != nil {
		return err
	}

	var sb strings.Builder
	if err := feed.Encode(&sb, doc, q.Format); err != nil {
		return err
	}
	summary, err := feed.Inspect(strings.NewReader(sb.String()))
	if err != nil {
		return fmt.Errorf("reading back %s feed: %w", q.Format, err)
	}

	printSummary(w, summary)
	return nil
}

// runCacheStats reports the snapshot contents without creating it.
func runCacheStats(ctx context.Context, w io.Writer, cfg *config.Config) error {
	validator := validation.NewCachePathValidator()
	validator.CreateParent = false

	count := 0
	path, err := validator.ValidateAndPrepare(cfg.Cache.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return fmt.Errorf("invalid cache.path: %w", err)
	default:
		if count, err = countSnapshot(ctx, cfg, path); err != nil {
			return err
		}
	}

	fmt.Fprintf(w, "backend:     %s\n", cfg.Cache.Backend)
	fmt.Fprintf(w, "path:        %s\n", cfg.Cache.Path)
	fmt.Fprintf(w, "submissions: %d\n", count)
	return nil
}

func countSnapshot(ctx context.Context, cfg *config.Config, path string) (int, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}

	snap, err := storage.Open(cfg.Cache.Backend, path, storage.Options{Timeout: cfg.Cache.Timeout})
	if err != nil {
		return 0, fmt.Errorf("opening cache %s: %w", path, err)
	}
	defer snap.Close()

	records, err := snap.Load(ctx)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#4ECDC4"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#95E1D3"))
	itemStyle  = lipgloss.NewStyle().PaddingLeft(2)
)

func printSummary(w io.Writer, s *feed.Summary) {
	fmt.Fprintln(w, titleStyle.Render(s.Title))
	fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("%s · %d entries", s.FeedType, len(s.Items))))
	if s.Description != "" {
		fmt.Fprintln(w, s.Description)
	}
	for _, l := range s.Links {
		fmt.Fprintln(w, dimStyle.Render(l))
	}
	fmt.Fprintln(w)

	for _, item := range s.Items {
		line := item.Title
		if !item.Published.IsZero() {
			line = fmt.Sprintf("%s  %s", item.Published.UTC().Format("2006-01-02 15:04"), item.Title)
		}
		fmt.Fprintln(w, itemStyle.Render(line))
		fmt.Fprintln(w, itemStyle.Render(dimStyle.Render(item.Link)))
		for _, m := range item.MediaURLs {
			fmt.Fprintln(w, itemStyle.Render(dimStyle.Render(m)))
		}
	}
}

func showBanner(w io.Writer) {
	colors := []lipgloss.Color{
		lipgloss.Color("#FF6B6B"),
		lipgloss.Color("#FFA86B"),
		lipgloss.Color("#95E1D3"),
		lipgloss.Color("#4ECDC4"),
	}

	lines := []string{
		"█▀▀ █▀▀ █▀▀",
		"█▀  ▀▀█ ▀▀█",
		"▀   ▀▀▀ ▀▀▀",
		"",
		"gallery feeds " + Version,
	}

	var coloredLines []string
	for i, line := range lines {
		if line == "" {
			coloredLines = append(coloredLines, line)
			continue
		}
		style := lipgloss.NewStyle().
			Foreground(colors[i%len(colors)]).
			Bold(i < 3)
		coloredLines = append(coloredLines, style.Render(line))
	}

	borderStyle := lipgloss.NewStyle().
		Border(lipgloss.DoubleBorder()).
		BorderForeground(lipgloss.Color("#4ECDC4")).
		Padding(1, 3).
		MarginTop(1)

	banner := lipgloss.JoinVertical(lipgloss.Center, coloredLines...)
	fmt.Fprintln(w, lipgloss.NewStyle().
		Width(50).
		Align(lipgloss.Center).
		MarginBottom(1).
		Render(borderStyle.Render(banner)))
}
