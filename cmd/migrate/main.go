package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/payment-reconciler/pkg/config"
	"github.com/angelmondragon/payment-reconciler/pkg/db"
	"github.com/angelmondragon/payment-reconciler/pkg/logger"
	"github.com/angelmondragon/payment-reconciler/pkg/migrate"
)

type options struct {
	dir     string
	name    string
	version string
}

type command struct {
	needsDB bool
	run     func(ctx context.Context, sqlDB *sql.DB, opts options) (string, error)
}

var commands = map[string]command{
	"create":   {run: createMigration},
	"validate": {run: validateMigrations},
	"up":       gooseCommand("up"),
	"down":     gooseCommand("down"),
	"status":   gooseCommand("status"),
	"version":  {needsDB: true, run: migrateToVersion},
}

func createMigration(_ context.Context, _ *sql.DB, opts options) (string, error) {
	if opts.name == "" {
		return "", fmt.Errorf("missing -name for create")
	}
	path, err := migrate.CreateSQLMigration(opts.dir, opts.name)
	if err != nil {
		return "", err
	}
	return "created migration: " + path, nil
}

func validateMigrations(_ context.Context, _ *sql.DB, opts options) (string, error) {
	if err := migrate.ValidateDir(opts.dir); err != nil {
		return "", err
	}
	if err := migrate.ValidateEmbedded(); err != nil {
		return "", fmt.Errorf("embedded schema: %w", err)
	}
	return "migration validation passed", nil
}

func migrateToVersion(ctx context.Context, sqlDB *sql.DB, opts options) (string, error) {
	if opts.version == "" {
		return "", fmt.Errorf("missing -version for version command")
	}
	if err := migrate.MigrateToVersion(ctx, sqlDB, opts.dir, opts.version); err != nil {
		return "", err
	}
	return "migrated to " + opts.version, nil
}

func gooseCommand(name string) command {
	return command{needsDB: true, run: func(ctx context.Context, sqlDB *sql.DB, opts options) (string, error) {
		return "", migrate.Run(ctx, sqlDB, opts.dir, name)
	}}
}

func commandNames() string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "|")
}

func main() {
	// bootstrap logger early (then re-init after config load)
	logg := logger.New(logger.Options{ServiceName: "migrate"})

	_ = godotenv.Load()

	cmdName := flag.String("cmd", "up", "migration command: "+commandNames())
	var opts options
	flag.StringVar(&opts.dir, "dir", migrate.DefaultDir, "goose migrations directory (default runs the embedded schema)")
	flag.StringVar(&opts.name, "name", "", "migration name (for create)")
	flag.StringVar(&opts.version, "version", "", "target version (YYYYMMDDHHMMSS) for -cmd=version")
	flag.Parse()

	cmd, ok := commands[*cmdName]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown -cmd value %q (want %s)\n", *cmdName, commandNames())
		os.Exit(2)
	}

	cfg, err := config.Load()
	requireResource(context.Background(), logg, "config", err)

	logg = logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx := logg.WithFields(context.Background(), map[string]any{
		"env": cfg.App.Env,
		"cmd": *cmdName,
		"dir": opts.dir,
	})

	var sqlDB *sql.DB
	if cmd.needsDB {
		dbClient, err := db.New(ctx, cfg.DB, cfg.FeatureFlags.UseSQLite, logg)
		requireResource(ctx, logg, "database", err)
		defer dbClient.Close()

		sqlDB, err = dbClient.DB().DB()
		requireResource(ctx, logg, "sql database", err)
	}

	logg.Info(ctx, "migrate ready")

	out, err := cmd.run(ctx, sqlDB, opts)
	if err != nil {
		logg.Error(ctx, "migrate command failed", err)
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", *cmdName, err)
		// deferred Close is skipped by os.Exit; the process is ending anyway
		os.Exit(1)
	}
	if out != "" {
		fmt.Println(out)
	}
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
