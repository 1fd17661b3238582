package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED")).
			MarginBottom(1)

	panelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#3B82F6")).
			Padding(0, 1)

	headerCellStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#3B82F6"))
	gainStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	lossStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	mutedStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "profitpath",
		Short: "ProfitPath gateway - market data, AI insight and backend proxy",
		Long: `ProfitPath gateway serves the dashboard's /api surface: top movers and
quotes from Polygon.io, AI-generated commentary, and a thin proxy to the
account backend.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "profitpath.yaml", "Configuration file path")

	load := func() (*Config, error) {
		return LoadConfig(configPath)
	}

	rootCmd.AddCommand(newServeCmd(load))
	rootCmd.AddCommand(newMoversCmd(load))
	rootCmd.AddCommand(newResearchCmd(load))
	return rootCmd
}

func newServeCmd(load func() (*Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if port, _ := cmd.Flags().GetString("port"); cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if db, _ := cmd.Flags().GetString("db"); cmd.Flags().Changed("db") {
				cfg.Database.SQLitePath = db
			}
			scheduler := cfg.Server.Scheduler
			if cmd.Flags().Changed("scheduler") {
				scheduler, _ = cmd.Flags().GetBool("scheduler")
			}
			return runServe(cfg, scheduler)
		},
	}

	cmd.Flags().String("port", "8080", "Web server port")
	cmd.Flags().String("db", "profitpath.db", "Database file path")
	cmd.Flags().Bool("scheduler", false, "Archive top movers on a schedule during market hours")
	return cmd
}

func runServe(cfg *Config, enableScheduler bool) error {
	logOutput := setupLogging(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups)

	log.Println("=== ProfitPath Gateway ===")
	cfg.LogSummary()
	log.Printf("Server will start on http://localhost:%s", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chat, err := NewOpenAIChatModel(ctx, cfg)
	if err != nil {
		return err
	}

	server, err := NewWebServer(cfg, chat, logOutput, enableScheduler)
	if err != nil {
		return fmt.Errorf("failed to initialize web server: %w", err)
	}
	defer server.Close()

	return server.Run(ctx, ":"+cfg.Server.Port)
}

func newMoversCmd(load func() (*Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "movers",
		Short: "Print today's top gainers and losers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Polygon.APIKey == "" {
				return fmt.Errorf("POLYGON_API_KEY is not set")
			}
			limit, _ := cmd.Flags().GetInt("limit")

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			screener := NewScreener(NewPolygonClient(cfg.Polygon.BaseURL, cfg.Polygon.APIKey))
			if limit > 0 && limit < screener.limit {
				screener.limit = limit
			}
			movers, err := screener.TopMovers(ctx)
			if err != nil {
				return err
			}

			fmt.Println(titleStyle.Render(fmt.Sprintf("Top movers (%s)", movers.Source)))
			fmt.Println(lipgloss.JoinHorizontal(lipgloss.Top,
				panelStyle.Render(renderQuotes("Gainers", movers.Gainers)),
				" ",
				panelStyle.Render(renderQuotes("Losers", movers.Losers)),
			))
			return nil
		},
	}
	cmd.Flags().Int("limit", 10, "Rows per list")
	return cmd
}

func renderQuotes(title string, quotes []TickerQuote) string {
	symbolCol := lipgloss.NewStyle().Width(8)
	nameCol := lipgloss.NewStyle().Width(28).MaxWidth(28)
	numCol := lipgloss.NewStyle().Width(10).Align(lipgloss.Right)

	var b strings.Builder
	b.WriteString(headerCellStyle.Render(title) + "\n")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		headerCellStyle.Inherit(symbolCol).Render("Symbol"),
		headerCellStyle.Inherit(nameCol).Render("Name"),
		headerCellStyle.Inherit(numCol).Render("Price"),
		headerCellStyle.Inherit(numCol).Render("Chg %"),
	) + "\n")

	if len(quotes) == 0 {
		b.WriteString(mutedStyle.Render("no data"))
		return b.String()
	}
	for _, q := range quotes {
		pctStyle := gainStyle
		if q.ChangePct != nil && *q.ChangePct < 0 {
			pctStyle = lossStyle
		}
		name := q.Name
		if name == "" {
			name = "-"
		}
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
			symbolCol.Render(q.Symbol),
			nameCol.Render(clipText(name, 26)),
			numCol.Render(formatPrice(q.Price)),
			pctStyle.Inherit(numCol).Render(formatPercent(q.ChangePct)),
		) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatPercent(v *float64) string {
	s := formatPrice(v)
	if s == unavailableMarker {
		return s
	}
	if !strings.HasPrefix(s, "-") {
		s = "+" + s
	}
	return s + "%"
}

func newResearchCmd(load func() (*Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "research [SYMBOL]",
		Short: "Run the deep-research flow for one symbol",
		Long: `Fetch daily bars, run the pattern heuristic, take the latest session
snapshot and ask the model for a short technical outlook.
Example: profitpath research AAPL --days=90`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Polygon.APIKey == "" {
				return fmt.Errorf("POLYGON_API_KEY is not set")
			}
			days, _ := cmd.Flags().GetInt("days")

			ctx := cmd.Context()
			chat, err := NewOpenAIChatModel(ctx, cfg)
			if err != nil {
				return err
			}
			polygon := NewPolygonClient(cfg.Polygon.BaseURL, cfg.Polygon.APIKey)
			researcher := NewResearcher(polygon, NewInsightGenerator(chat))

			result, err := researcher.Run(ctx, ResearchRequest{Symbol: args[0], Days: days})
			if err != nil {
				return err
			}
			printResearch(result)
			return nil
		},
	}
	cmd.Flags().Int("days", defaultResearchDays, "Number of days to analyze")
	return cmd
}

func printResearch(r *ResearchResult) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("%s deep research", r.Symbol)))

	var change string
	if n := len(r.Chart); n > 1 {
		first := decimal.NewFromFloat(r.Chart[0].Price)
		last := decimal.NewFromFloat(r.Chart[n-1].Price)
		if !first.IsZero() {
			pct := last.Sub(first).Div(first).Mul(decimal.NewFromInt(100))
			change = fmt.Sprintf(" (%s%% over %d sessions)", pct.StringFixed(2), n)
		}
	}

	snapshot := fmt.Sprintf("Open %s  High %s  Low %s  Close %s%s",
		formatPrice(r.Snapshot.Open), formatPrice(r.Snapshot.High),
		formatPrice(r.Snapshot.Low), formatPrice(r.Snapshot.Close), change)

	fmt.Println(panelStyle.Render(strings.Join([]string{
		headerCellStyle.Render("Snapshot"),
		snapshot,
		"",
		headerCellStyle.Render("Pattern"),
		string(r.Pattern),
		"",
		headerCellStyle.Render("AI insight"),
		lipgloss.NewStyle().Width(80).Render(r.AIInsight),
	}, "\n")))
}
