package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/Strob0t/agentplane/internal/adapter/postgres"
	"github.com/Strob0t/agentplane/internal/config"
	"github.com/Strob0t/agentplane/internal/domain/principal"
	"github.com/Strob0t/agentplane/internal/middleware"
)

const adminTimeout = 30 * time.Second

// runAdmin dispatches admin subcommands.
func runAdmin(args []string) error {
	if len(args) == 0 {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "token":
		return adminToken(args[1:])
	case "list-instances":
		return adminListInstances(args[1:])
	case "migrate":
		return adminMigrate(args[1:])
	case "help", "-h", "--help":
		printAdminHelp()
		return nil
	default:
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Println(`Usage: agentplane admin <command> [flags]

Commands:
  token            Sign an operator API token
  list-instances   List agent instances of a project
  migrate          Show or roll back the schema version

Run 'agentplane admin <command> --help' for command flags.`)
}

func adminToken(args []string) error {
	fs := pflag.NewFlagSet("admin token", pflag.ContinueOnError)
	user := fs.String("user", "", "subject user id (default: random UUID)")
	email := fs.String("email", "", "email claim")
	name := fs.String("name", "", "display name claim")
	admin := fs.Bool("admin", false, "grant the admin role")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}
	if *ttl <= 0 {
		return errors.New("--ttl must be positive")
	}
	if *user == "" {
		*user = uuid.NewString()
	}

	token, err := middleware.NewVerifier(cfg.Auth.JWTSecret).Sign(&principal.Principal{
		UserID: *user,
		Email:  *email,
		Name:   *name,
		Admin:  *admin,
	}, *ttl)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func adminListInstances(args []string) error {
	fs := pflag.NewFlagSet("admin list-instances", pflag.ContinueOnError)
	project := fs.String("project", "", "project id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *project == "" {
		return errors.New("--project is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	store, closeFn, err := loadAdminStore(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	instances, err := store.ListProjectInstances(ctx, *project)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}
	if len(instances) == 0 {
		fmt.Println("No instances found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INSTANCE\tAGENT\tKIND\tSTATUS\tSTARTED\tHEARTBEAT")
	for i := range instances {
		inst := &instances[i]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			inst.InstanceID, inst.DefinitionID, inst.Handle.Kind, inst.Status,
			formatTime(&inst.StartedAt), formatTime(inst.LastHeartbeat))
	}
	return w.Flush()
}

func adminMigrate(args []string) error {
	fs := pflag.NewFlagSet("admin migrate", pflag.ContinueOnError)
	down := fs.Int("down", 0, "roll back this many migrations")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	if *down > 0 {
		if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, *down); err != nil {
			return err
		}
	}
	version, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	fmt.Printf("schema version: %d\n", version)
	return nil
}

// loadAdminStore opens a store for admin commands.
func loadAdminStore(ctx context.Context) (*postgres.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	return postgres.NewStore(pool), pool.Close, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
