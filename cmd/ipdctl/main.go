// Package main provides the operator CLI for migrations, broker topics,
// the outbox backlog and bed maintenance.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-ipd/internal/config"
	"github.com/drfirst/go-ipd/internal/domain/bed"
	"github.com/drfirst/go-ipd/internal/infrastructure/broker"
	"github.com/drfirst/go-ipd/internal/infrastructure/postgres"
	"github.com/drfirst/go-ipd/internal/infrastructure/redpanda"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "ipdctl",
		Short:        "Operate the admission and billing engine",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(topicsCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(bedsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// env loads configuration and opens the database
type env struct {
	cfg    *config.Config
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return nil, err
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, pool: pool, logger: logger}, nil
}

func (e *env) Close() {
	e.pool.Close()
	e.logger.Sync()
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
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			count, err := postgres.NewMigrator(e.pool, e.logger).Up(ctx)
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
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			statuses, err := postgres.NewMigrator(e.pool, e.logger).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage broker topics",
	}

	withAdmin := func(fn func(ctx context.Context, admin *redpanda.Admin) error) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := cfg.Logger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := redpanda.HealthCheck(ctx, cfg.Brokers()); err != nil {
				return fmt.Errorf("broker unreachable: %w", err)
			}
			admin, err := redpanda.NewAdmin(cfg.Brokers(), logger)
			if err != nil {
				return err
			}
			defer admin.Close()
			return fn(ctx, admin)
		}
	}

	ensureCmd := &cobra.Command{
		Use:   "ensure",
		Short: "Create the event and ingest topics",
	}
	replication := ensureCmd.Flags().Int16("replication", 1, "Replication factor for created topics")
	ensureCmd.RunE = withAdmin(func(ctx context.Context, admin *redpanda.Admin) error {
		if err := admin.EnsureTopics(ctx, *replication); err != nil {
			return err
		}
		fmt.Println("Topics are in place.")
		return nil
	})
	cmd.AddCommand(ensureCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List topics and partition counts",
		RunE: withAdmin(func(ctx context.Context, admin *redpanda.Admin) error {
			names, err := admin.ListTopics(ctx)
			if err != nil {
				return err
			}
			for _, name := range names {
				details, err := admin.DescribeTopic(ctx, name)
				if err != nil {
					return err
				}
				fmt.Printf("%-30s %d partition(s)\n", name, len(details.Partitions))
			}
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "lag [group]",
		Short: "Show consumer group lag",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(func(ctx context.Context, admin *redpanda.Admin) error {
				group := redpanda.DefaultConsumerConfig().GroupID
				if len(args) == 1 {
					group = args[0]
				}
				lag, err := admin.GetConsumerGroupLag(ctx, group)
				if err != nil {
					return err
				}
				topics := make([]string, 0, len(lag))
				for topic := range lag {
					topics = append(topics, topic)
				}
				sort.Strings(topics)
				fmt.Printf("%-30s %-10s %s\n", "TOPIC", "PARTITION", "LAG")
				for _, topic := range topics {
					partitions := make([]int32, 0, len(lag[topic]))
					for p := range lag[topic] {
						partitions = append(partitions, p)
					}
					sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
					for _, p := range partitions {
						fmt.Printf("%-30s %-10d %d\n", topic, p, lag[topic][p])
					}
				}
				return nil
			})(cmd, args)
		},
	})

	return cmd
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and maintain the event outbox",
	}

	// relay returns a relay for maintenance queries; the publisher is only
	// used by the dead letter sweep
	relay := func(e *env, publisher postgres.OutboxPublisher) *postgres.Relay {
		return postgres.NewRelay(postgres.NewDB(e.pool), publisher, postgres.DefaultOutboxConfig(), e.logger)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show the outbox backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			s, err := relay(e, nil).Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("pending:        %d\n", s.Pending)
			fmt.Printf("processed (24h): %d\n", s.Processed)
			fmt.Printf("failed:         %d\n", s.Failed)
			if s.OldestPending != nil {
				fmt.Printf("oldest pending: %s (%s ago)\n", s.OldestPending.Format(time.RFC3339), time.Since(*s.OldestPending).Round(time.Second))
			}
			return nil
		},
	})

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete processed outbox entries",
	}
	olderThan := cleanupCmd.Flags().Duration("older-than", 7*24*time.Hour, "Age of processed entries to delete")
	cleanupCmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		n, err := relay(e, nil).CleanupProcessed(ctx, *olderThan)
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d processed entr(ies).\n", n)
		return nil
	}
	cmd.AddCommand(cleanupCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "dead-letter",
		Short: "Move entries that exhausted their retries to the dead letter topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			publisher, err := broker.NewPublisher(ctx, e.cfg, e.logger)
			if err != nil {
				return err
			}
			defer publisher.Close()

			n, err := relay(e, publisher).MoveToDeadLetter(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Moved %d entr(ies) to the dead letter topic.\n", n)
			return nil
		},
	})

	return cmd
}

func bedsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "beds",
		Short: "Bed maintenance",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set-status <bed-id> <status>",
		Short: "Change a bed's status, e.g. after cleaning or for maintenance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid bed id: %w", err)
			}
			status := bed.Status(args[1])
			if !status.Valid() {
				return fmt.Errorf("invalid bed status: %s", args[1])
			}

			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			db := postgres.NewDB(e.pool)
			registry := bed.NewRegistry(postgres.NewBedRepository(db), db, postgres.NewOutboxSink(db), e.logger)
			b, err := registry.ChangeStatus(ctx, id, status)
			if err != nil {
				return err
			}
			fmt.Printf("Bed %s (%s/%s) is now %s.\n", b.Number, b.Ward, b.ID, b.Status)
			return nil
		},
	})

	return cmd
}
