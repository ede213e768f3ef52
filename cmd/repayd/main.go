package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/urfave/cli/v2"

	"autorepay.org/internal/auth"
	"autorepay.org/internal/config"
	"autorepay.org/internal/migrate"
	"autorepay.org/internal/obs"
	"autorepay.org/internal/repay"
)

func main() {
	app := &cli.App{
		Name:    "repayd",
		Usage:   "delegated debt-repayment settlement engine",
		Version: obs.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file", EnvVars: []string{"REPAY_CONFIG"}},
			&cli.BoolFlag{Name: "development", Aliases: []string{"D"}, Usage: "Development mode"},
			&cli.StringFlag{Name: "log-level", Usage: "Log level (debug, info, warn, error)"},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the HTTP and gRPC servers",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "http-addr", Usage: "HTTP listen address"},
					&cli.StringFlag{Name: "grpc-addr", Usage: "gRPC listen address"},
					&cli.StringFlag{Name: "dsn", Usage: "PostgreSQL DSN; empty keeps state in memory"},
				},
				Action: serve,
			},
			{
				Name:  "migrate",
				Usage: "Apply or roll back the database schema",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "dsn", Usage: "PostgreSQL DSN", EnvVars: []string{"REPAY_PG_DSN"}},
					&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second, Usage: "Overall deadline"},
				},
				Subcommands: []*cli.Command{
					{Name: "up", Usage: "Apply pending migrations", Action: migrateUp},
					{Name: "down", Usage: "Roll back the latest migration", Action: migrateDown},
					{Name: "status", Usage: "List applied and pending migrations", Action: migrateStatus},
				},
			},
			{
				Name:  "token",
				Usage: "Issue a bearer token for an account",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "subject", Aliases: []string{"s"}, Usage: "Account address", Required: true},
					&cli.DurationFlag{Name: "ttl", Usage: "Token lifetime (defaults to tokenTTL)"},
				},
				Action: issueToken,
			},
			{
				Name:  "version",
				Usage: "Print build information",
				Action: func(c *cli.Context) error {
					fmt.Printf("repayd %s (commit %s, engine %s)\n", obs.Version, obs.Commit, repay.Version)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadConfig reads the config file and environment, then applies flags.
func loadConfig(c *cli.Context) (*config.Config, error) {
	// development changes defaults applied during Load, so it goes in first
	if c.IsSet("development") {
		if err := os.Setenv("REPAY_DEVELOPMENT", strconv.FormatBool(c.Bool("development"))); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Override with flags if set
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("http-addr") {
		cfg.HTTPAddr = c.String("http-addr")
	}
	if c.IsSet("grpc-addr") {
		cfg.GRPCAddr = c.String("grpc-addr")
	}
	if c.IsSet("dsn") {
		cfg.PostgresDSN = c.String("dsn")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := obs.Configure(cfg.Development, cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

func openMigrations(c *cli.Context) (*migrate.Manager, *sql.DB, context.Context, context.CancelFunc, error) {
	dsn := c.String("dsn")
	if dsn == "" {
		return nil, nil, nil, nil, errors.New("missing DSN: provide via --dsn or REPAY_PG_DSN")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("open db: %w", err)
	}
	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	return migrate.NewManager(db), db, ctx, cancel, nil
}

func migrateUp(c *cli.Context) error {
	mgr, db, ctx, cancel, err := openMigrations(c)
	if err != nil {
		return err
	}
	defer db.Close()
	defer cancel()

	applied, err := mgr.Up(ctx)
	for _, name := range applied {
		fmt.Println("applied", name)
	}
	if err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	if len(applied) == 0 {
		fmt.Println("schema is up to date")
	}
	return nil
}

func migrateDown(c *cli.Context) error {
	mgr, db, ctx, cancel, err := openMigrations(c)
	if err != nil {
		return err
	}
	defer db.Close()
	defer cancel()

	name, err := mgr.Down(ctx)
	if errors.Is(err, migrate.ErrNothingApplied) {
		fmt.Println("nothing to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("migrate down: %w", err)
	}
	fmt.Println("rolled back", name)
	return nil
}

func migrateStatus(c *cli.Context) error {
	mgr, db, ctx, cancel, err := openMigrations(c)
	if err != nil {
		return err
	}
	defer db.Close()
	defer cancel()

	history, err := mgr.Status(ctx)
	if err != nil {
		return fmt.Errorf("migrate status: %w", err)
	}
	pending, err := mgr.Pending(ctx)
	if err != nil {
		return fmt.Errorf("migrate status: %w", err)
	}
	for _, item := range history {
		fmt.Println(item)
	}
	for _, name := range pending {
		fmt.Println("pending", name)
	}
	return nil
}

func issueToken(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	raw := c.String("subject")
	if !common.IsHexAddress(raw) {
		return fmt.Errorf("subject %q is not a 20-byte hex address", raw)
	}
	issuer, err := auth.NewIssuer(cfg.AuthSecret, auth.WithIssuerName(cfg.AuthIssuer))
	if err != nil {
		return err
	}
	ttl := cfg.TokenTTL
	if c.IsSet("ttl") {
		ttl = c.Duration("ttl")
	}
	token, expires, err := issuer.GenerateToken(common.HexToAddress(raw), ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expires.Format(time.RFC3339))
	return nil
}
