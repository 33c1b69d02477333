package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"make24/internal/app"
	"make24/internal/config"
	"make24/internal/countdown"
	"make24/internal/db"
	"make24/internal/engine"
	"make24/internal/events"
	"make24/internal/logging"
	"make24/internal/migrate"
)

var rootCmd = &cobra.Command{
	Use:   "m24",
	Short: "make24 CLI",
	Long: `make24 runs one focused 24-hour challenge at a time.
- Start: name a goal and the countdown begins.
- Milestones: nudges at 75%, 50% and 25% of the window left (80/50/20 for challenges of an hour or less).
- Check-ins: record how you feel at a milestone you reached.
- Outcome: when time runs out (or you end early), rate the result and it joins your history.
- Guest mode keeps data in the workspace; pass --user-id with a database URL to use an account instead.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("M24")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/m24.yml)")
	rootCmd.PersistentFlags().String("user-id", "", "account user id (uses account storage)")
	rootCmd.PersistentFlags().String("database-url", "", "account database URL")
	rootCmd.PersistentFlags().String("log-level", "", "log level override")
	for _, name := range []string{"workspace", "json", "config", "user-id", "database-url", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
	_ = viper.BindEnv("jwt-secret")
}

func registerCommands() {
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(checkInCmd())
	rootCmd.AddCommand(dismissCmd())
	rootCmd.AddCommand(endCmd())
	rootCmd.AddCommand(abandonCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(checkInsCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(binderCmd())
	rootCmd.AddCommand(moodsCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
}

// --- helpers ---

// loadConfig reads the config file and applies flag and environment overrides.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.Load(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("database-url"); v != "" {
		cfg.Storage.Remote.DatabaseURL = v
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	return cfg, cfg.Validate()
}

// deviceID returns the guest id of this workspace, creating it on first use.
func deviceID(workspace string) (string, error) {
	dir, err := db.EnsureWorkspace(workspace)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "device_id")
	if b, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	id := "guest_" + uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", err
	}
	return id, nil
}

type runtime struct {
	Factory  app.Factory
	DeviceID string
	Identity app.Identity
}

// withFactory opens the storage the current flags call for and hands a
// factory to fn. Account storage is connected only when a user id is given or
// remote is true.
func withFactory(ctx context.Context, remote bool, fn func(context.Context, runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace, Path: cfg.Storage.Local.Path})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn.DB); err != nil {
		return err
	}
	device, err := deviceID(workspace)
	if err != nil {
		return err
	}

	userID := strings.TrimSpace(viper.GetString("user-id"))
	var pool *pgxpool.Pool
	if userID != "" || remote {
		pool, err = openRemote(ctx, cfg, logger)
		if err != nil {
			return err
		}
		if pool != nil {
			defer pool.Close()
		}
	}

	rt := runtime{
		Factory:  app.Factory{LocalDB: conn, Pool: pool, Config: cfg, Logger: logger},
		DeviceID: device,
		Identity: app.Guest(device),
	}
	if userID != "" {
		rt.Identity = app.Account(userID)
	}
	return fn(ctx, rt)
}

func openRemote(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	url := cfg.Storage.Remote.DatabaseURL
	if url == "" {
		return nil, app.ErrRemoteUnavailable
	}
	pool, err := db.OpenPostgres(ctx, url, cfg.Storage.Remote.MaxConns)
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateRemote(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Debug("account database ready", zap.Int32("max_conns", pool.Config().MaxConns))
	return pool, nil
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	return withEngineHub(ctx, nil, fn)
}

func withEngineHub(ctx context.Context, hub *events.Hub, fn func(context.Context, *engine.Engine) error) error {
	return withFactory(ctx, false, func(ctx context.Context, rt runtime) error {
		e, err := rt.Factory.Engine(ctx, rt.Identity, hub)
		if err != nil {
			return err
		}
		return fn(ctx, e)
	})
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

func printSnapshot(e *engine.Engine, s engine.Snapshot) error {
	if viper.GetBool("json") {
		return printJSON(s)
	}
	fmt.Printf("Phase: %s (%s)\n", s.Phase, s.Mode)
	if s.Goal == "" {
		fmt.Printf("Countdown: %s\n", s.Countdown)
		return nil
	}
	fmt.Printf("Goal: %s\n", s.Goal)
	fmt.Printf("Remaining: %s\n", s.Countdown)
	fired := map[int]bool{}
	for _, m := range s.Fired {
		fired[m] = true
	}
	checked := map[int]bool{}
	for _, m := range s.CheckedIn {
		checked[m] = true
	}
	pending := map[int]bool{}
	for _, m := range s.Pending {
		pending[m] = true
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Milestone", "At remaining", "Reached", "Checked in", "Pending"})
	for _, th := range e.Milestones() {
		tw.AppendRow(table.Row{
			fmt.Sprintf("%d%%", th.Milestone),
			countdown.Split(th.Remaining).String(),
			yesNo(fired[th.Milestone]),
			yesNo(checked[th.Milestone]),
			yesNo(pending[th.Milestone]),
		})
	}
	tw.Render()
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return ""
}
