package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"govtech/internal/app"
	"govtech/internal/db"
	"govtech/internal/domain"
	"govtech/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "gtp",
	Short: "GovTech Pro protocol workflow",
	Long: `gtp runs the municipal protocol workflow: citizens file protocols against service
templates, staff move them through the status machine step by step, and overdue
steps are escalated on a schedule.

- Workspace: a directory with .govtech/ (the SQLite database) and an optional govtech.yml.
- Templates: the ordered steps of a service (ALV_FUNC, CERT_NEG, IPTU_REV by default).
- Protocols: received -> in_analysis -> in_progress -> resolved -> closed, with pending_info, forwarded and cancelled on the side.
- Event log: every change is an event; 'gtp log tail' shows the latest.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	},
}

func main() {
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GOVTECH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (defaults to <workspace>/govtech.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "admin", "acting user id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(protocolCmd())
	rootCmd.AddCommand(trackCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(configCmd())
}

// --- helpers ---

func openApp(ctx context.Context, tracing bool) (*app.App, error) {
	workspace := viper.GetString("workspace")
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	opts := app.Options{Workspace: workspace, ConfigPath: viper.GetString("config"), Tracing: tracing}
	if !tracing {
		// One-shot commands keep stdout for results.
		logger, err := logging.New("warn", "console")
		if err != nil {
			return nil, err
		}
		opts.Logger = logger
	}
	return app.Open(ctx, opts)
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}

func actorID() string {
	return strings.TrimSpace(viper.GetString("actor-id"))
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

var statusColors = map[domain.Status]*color.Color{
	domain.StatusReceived:    color.New(color.FgBlue),
	domain.StatusInAnalysis:  color.New(color.FgYellow),
	domain.StatusPendingInfo: color.New(color.FgMagenta),
	domain.StatusInProgress:  color.New(color.FgCyan),
	domain.StatusForwarded:   color.New(color.FgHiBlue),
	domain.StatusResolved:    color.New(color.FgGreen),
	domain.StatusClosed:      color.New(color.FgWhite),
	domain.StatusCancelled:   color.New(color.FgRed),
}

func colorStatus(s domain.Status) string {
	if c, ok := statusColors[s]; ok {
		return c.Sprint(s)
	}
	return string(s)
}

func shortTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04")
}
