package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/example/lms-platform/internal/platform/config"
	"github.com/example/lms-platform/internal/platform/logging"
	"github.com/example/lms-platform/services/progress/internal/bootstrap"
	"github.com/example/lms-platform/services/progress/internal/grpcapi"
	"github.com/example/lms-platform/services/progress/internal/migration"
	"github.com/example/lms-platform/services/progress/internal/store"
)

type globalFlags struct {
	addr    string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "progressctl",
		Short:         "Operate the learner progress stores",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.addr, "addr", "", "progress gRPC address; when empty the databases from the environment are used directly")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 30*time.Second, "deadline for record commands")

	root.AddCommand(
		newMigrateSchemaCmd(),
		newMigrateCmd(),
		newGetCmd(g),
		newSetCmd(g),
		newResetCmd(g),
	)
	return root
}

func newMigrateSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-schema",
		Short: "Create lms_progress (and the sqlite comment tables in development)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stack, _, err := openStack(cmd.Context())
			if err != nil {
				return err
			}
			defer stack.Close()
			if err := stack.MigrateSchema(cmd.Context()); err != nil {
				return fmt.Errorf("migrate schema: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	var batch, maxBatches int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy legacy progress into lms_progress",
		Long: `Copy every legacy course and lesson record that lms_progress does not have yet.
Existing lms_progress rows are never overwritten, so the command is safe to re-run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stack, log, err := openStack(cmd.Context())
			if err != nil {
				return err
			}
			defer stack.Close()
			if batch <= 0 {
				batch = migration.DefaultBatchSize
			}

			for _, job := range stack.MigrationJobs(batch, log) {
				var total migration.Stats
				for i := 0; maxBatches <= 0 || i < maxBatches; i++ {
					st, err := job.RunBatch(cmd.Context())
					total.Scanned += st.Scanned
					total.Copied += st.Copied
					total.Skipped += st.Skipped
					total.Done = st.Done
					if err != nil {
						return fmt.Errorf("migrate after legacy id %d: %w", job.Cursor(), err)
					}
					if st.Done {
						break
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d copied=%d skipped=%d done=%t cursor=%d\n",
					total.Scanned, total.Copied, total.Skipped, total.Done, job.Cursor())
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&batch, "batch", migration.DefaultBatchSize, "records per batch")
	cmd.Flags().IntVar(&maxBatches, "max-batches", 0, "stop each kind after this many batches (0 runs to the end)")
	return cmd
}

func newGetCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <course|lesson> <learner-id> <content-id>",
		Short: "Print one progress record as JSON",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, learnerID, contentID, err := parseKey(args)
			if err != nil {
				return err
			}
			return withBackend(cmd.Context(), g, func(ctx context.Context, b backend) error {
				rec, err := b.get(ctx, kind, learnerID, contentID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
}

func newSetCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set <course|lesson> <learner-id> <content-id> <status>",
		Short: "Write a progress record through both stores",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, learnerID, contentID, err := parseKey(args[:3])
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			rec := store.ProgressRecord{Kind: kind, LearnerID: learnerID, ContentID: contentID, Status: store.Status(args[3])}
			if rec.Status != store.StatusNotStarted {
				rec.StartedAt = &now
			}
			if rec.Status.Finished() {
				rec.CompletedAt = &now
			}
			if err := rec.Validate(); err != nil {
				return err
			}
			return withBackend(cmd.Context(), g, func(ctx context.Context, b backend) error {
				saved, err := b.save(ctx, rec)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), saved)
			})
		},
	}
}

func newResetCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <course|lesson> <learner-id> <content-id>",
		Short: "Delete a progress record from both stores",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, learnerID, contentID, err := parseKey(args)
			if err != nil {
				return err
			}
			return withBackend(cmd.Context(), g, func(ctx context.Context, b backend) error {
				if err := b.delete(ctx, kind, learnerID, contentID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset %s learner=%d content=%d\n", kind, learnerID, contentID)
				return nil
			})
		},
	}
}

// backend is either a remote progress service or the local stores.
type backend struct {
	get    func(ctx context.Context, kind store.Kind, learnerID, contentID int64) (store.ProgressRecord, error)
	save   func(ctx context.Context, rec store.ProgressRecord) (store.ProgressRecord, error)
	delete func(ctx context.Context, kind store.Kind, learnerID, contentID int64) error
}

var errNotFound = errors.New("no progress recorded")

func withBackend(ctx context.Context, g *globalFlags, fn func(context.Context, backend) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if g.addr != "" {
		conn, err := grpc.NewClient(g.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("dial %s: %w", g.addr, err)
		}
		defer conn.Close()
		c := grpcapi.NewClient(conn)
		return fn(ctx, backend{get: c.Get, save: c.Save, delete: c.Delete})
	}

	stack, log, err := openStack(ctx)
	if err != nil {
		return err
	}
	defer stack.Close()
	repos := stack.Factory(store.FactoryOptions{Logger: log})
	return fn(ctx, backend{
		get: func(ctx context.Context, kind store.Kind, learnerID, contentID int64) (store.ProgressRecord, error) {
			rec, found, err := repos.For(kind).Get(ctx, learnerID, contentID)
			if err != nil {
				return rec, err
			}
			if !found {
				return rec, errNotFound
			}
			return rec, nil
		},
		save: func(ctx context.Context, rec store.ProgressRecord) (store.ProgressRecord, error) {
			return repos.For(rec.Kind).Save(ctx, rec)
		},
		delete: func(ctx context.Context, kind store.Kind, learnerID, contentID int64) error {
			return repos.For(kind).Delete(ctx, learnerID, contentID)
		},
	})
}

func openStack(ctx context.Context) (*bootstrap.Stack, *zap.Logger, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	stack, err := bootstrap.Open(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return stack, log, nil
}

func parseKey(args []string) (store.Kind, int64, int64, error) {
	kind, err := store.ParseKind(args[0])
	if err != nil {
		return "", 0, 0, err
	}
	learnerID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || learnerID <= 0 {
		return "", 0, 0, fmt.Errorf("invalid learner id %q", args[1])
	}
	contentID, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil || contentID <= 0 {
		return "", 0, 0, fmt.Errorf("invalid content id %q", args[2])
	}
	return kind, learnerID, contentID, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
