package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lims/lims/internal/config"
	"github.com/lims/lims/internal/domain/sequence"
	"github.com/lims/lims/internal/lims"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/tenant"
	"github.com/lims/lims/internal/store"
	"github.com/lims/lims/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lims-server",
		Short: "Multi-tenant laboratory information system",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the LIMS API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := newLogger(cfg.Env)

			a, err := newApp(context.Background(), cfg, logger)
			if err != nil {
				return err
			}
			serveErr := a.serve()
			if err := a.Close(context.Background()); err != nil {
				logger.Error().Err(err).Msg("close")
			}
			return serveErr
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			m, closeFn, err := migrator(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := m.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			m, closeFn, err := migrator(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := m.Status(ctx)
			if err != nil {
				return fmt.Errorf("get status: %w", err)
			}
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format(time.RFC3339)
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func migrator(ctx context.Context) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.StoreDriver != config.DriverPostgres {
		return nil, nil, fmt.Errorf("migrations apply to the postgres driver only, STORE_DRIVER is %q", cfg.StoreDriver)
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, 2, 1)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	return db.NewMigrator(pool, migrations.FS), pool.Close, nil
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage laboratories",
	}
	cmd.PersistentFlags().String("reason", "", "Reason recorded for the platform escalation (required)")
	cmd.PersistentFlags().String("actor", os.Getenv("USER"), "Operator performing the change")

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new laboratory",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			domain, _ := cmd.Flags().GetString("domain")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			return withAdmin(cmd, func(ctx context.Context, env *cliEnv) error {
				code, err := sequence.NewGenerator(env.st.Counter()).TenantCode(ctx)
				if err != nil {
					return fmt.Errorf("allocate tenant code: %w", err)
				}
				t := &lims.Tenant{
					ID:        uuid.New(),
					Name:      name,
					Code:      code,
					Domain:    strings.ToLower(domain),
					Active:    true,
					CreatedAt: time.Now().UTC(),
				}
				if err := env.st.Tenants().Create(ctx, env.admin, t); err != nil {
					return fmt.Errorf("create tenant: %w", err)
				}
				fmt.Printf("Created tenant %s (%s) id=%s\n", t.Code, t.Name, t.ID)
				return nil
			})
		},
	}
	createCmd.Flags().String("name", "", "Laboratory name (required)")
	createCmd.Flags().String("domain", "", "Laboratory domain")
	cmd.AddCommand(createCmd)

	for _, active := range []bool{true, false} {
		use, short := "activate", "Re-enable a laboratory"
		if !active {
			use, short = "deactivate", "Disable a laboratory; its requests are rejected"
		}
		c := &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				code, _ := cmd.Flags().GetString("code")
				if code == "" {
					return fmt.Errorf("--code is required")
				}
				return withAdmin(cmd, func(ctx context.Context, env *cliEnv) error {
					t, err := env.st.Tenants().ByCode(ctx, code)
					if err != nil {
						return err
					}
					if err := env.st.Tenants().SetActive(ctx, env.admin, t.ID, active); err != nil {
						return err
					}
					fmt.Printf("Tenant %s active=%t\n", t.Code, active)
					return nil
				})
			},
		}
		c.Flags().String("code", "", "Laboratory code, e.g. LAB01 (required)")
		cmd.AddCommand(c)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List laboratories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, env *cliEnv) error {
				tenants, err := env.st.Tenants().List(ctx, env.admin)
				if err != nil {
					return err
				}
				fmt.Printf("%-8s %-36s %-30s %s\n", "CODE", "ID", "NAME", "ACTIVE")
				for _, t := range tenants {
					fmt.Printf("%-8s %-36s %-30s %t\n", t.Code, t.ID, t.Name, t.Active)
				}
				return nil
			})
		},
	})

	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Retry failed dispatches and flag stale assignments once, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env)
			ctx := context.Background()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			report, err := a.sweeper.RunOnce(ctx)
			fmt.Printf("retried=%d failed=%d stale=%d\n", report.Retried, report.Failed, report.Stale)
			return err
		},
	}
}

type cliEnv struct {
	st    store.Store
	admin tenant.Admin
}

// withAdmin opens the store and escalates for the duration of fn.
func withAdmin(cmd *cobra.Command, fn func(ctx context.Context, env *cliEnv) error) error {
	reason, _ := cmd.Flags().GetString("reason")
	actor, _ := cmd.Flags().GetString("actor")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	ctx := context.Background()

	admin, err := tenant.Escalate(logger, "cli:"+actor, reason)
	if err != nil {
		return err
	}
	s, _, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	return fn(ctx, &cliEnv{st: s, admin: admin})
}

// shutdownSignal fires on SIGINT or SIGTERM.
func shutdownSignal() <-chan os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	return quit
}
