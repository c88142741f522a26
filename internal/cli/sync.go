// Copyright 2025 The QI Survey Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/souphaphone-lao/qi-survey-webapp-sub001/localstore"
	"github.com/souphaphone-lao/qi-survey-webapp-sub001/syncengine"
)

func (a *app) syncCommand() *cobra.Command {
	var purgeAfter time.Duration
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run the sync worker until interrupted",
		Long: `Watches server reachability and drains the local sync queue every time
the server becomes reachable, and periodically while it stays reachable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := a.openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			unsubscribe := rt.engine.Subscribe(func(s syncengine.State) {
				a.logger.Debug("sync state",
					"online", s.Online,
					"syncing", s.IsSyncing,
					"pending", s.PendingCount,
					"completed", s.Progress.Completed,
					"total", s.Progress.Total)
			})
			defer unsubscribe()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				rt.engine.Start(gctx)
				rt.monitor.Check(gctx)
				rt.monitor.Start(gctx)
				<-gctx.Done()
				return nil
			})
			if purgeAfter > 0 {
				g.Go(func() error {
					return a.purgeLoop(gctx, rt.store, purgeAfter)
				})
			}
			err = g.Wait()
			a.logger.Info("sync worker stopped", "pending", rt.engine.Snapshot().PendingCount)
			return err
		},
	}
	cmd.Flags().DurationVar(&purgeAfter, "purge-after", 0, "Drop synced records older than this (0 keeps them)")
	cmd.AddCommand(a.syncNowCommand())
	return cmd
}

// purgeLoop drops old synced records now and then hourly
func (a *app) purgeLoop(ctx context.Context, store localstore.Store, age time.Duration) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := store.PurgeSynced(ctx, time.Now().Add(-age))
		if err != nil && ctx.Err() == nil {
			a.logger.Warn("failed to purge synced records", "error", err)
		} else if n > 0 {
			a.logger.Info("purged synced submissions", "count", n)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

type syncNowOutput struct {
	Online  bool              `json:"online"`
	Result  syncengine.Result `json:"result"`
	Pending int               `json:"pending"`
}

func (a *app) syncNowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "now",
		Short: "Run one sync pass now and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			online := rt.monitor.Check(ctx)
			res, err := rt.engine.SyncNow(ctx)
			if err != nil {
				return err
			}
			out := syncNowOutput{Online: online, Result: res, Pending: rt.engine.Snapshot().PendingCount}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, pending and parked queue entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			reach := "offline"
			if rt.monitor.Check(ctx) {
				reach = "online"
			}
			pending, err := rt.store.CountQueue(ctx)
			if err != nil {
				return err
			}
			unsynced := false
			subs, err := rt.store.QuerySubmissions(ctx, localstore.SubmissionQuery{Synced: &unsynced})
			if err != nil {
				return err
			}
			parked, err := rt.engine.Parked(ctx)
			if err != nil {
				return err
			}

			printf(cmd, "server:    %s (%s)\n", a.cfg.Server.URL, reach)
			printf(cmd, "store:     %s (schema v%d)\n", a.cfg.Store.Path, localstore.SchemaVersion())
			printf(cmd, "pending:   %d queue entries, %d unsynced submissions\n", pending, len(subs))
			printf(cmd, "parked:    %d\n", len(parked))
			for _, item := range parked {
				printf(cmd, "  #%d %s %s attempts=%d error=%q\n", item.ID, item.Type, item.ItemID, item.Attempts, item.LastError)
			}
			return nil
		},
	}
}

func (a *app) retryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <queue-id>",
		Short: "Re-arm a parked queue entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("queue id must be an integer: %w", err)
			}
			rt, err := a.openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.engine.Retry(cmd.Context(), id); err != nil {
				return err
			}
			printf(cmd, "queue entry %d re-armed\n", id)
			return nil
		},
	}
}

func (a *app) purgeCommand() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete synced submissions and files older than --older-than",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			n, err := rt.store.PurgeSynced(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			printf(cmd, "purged %d synced submissions\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Minimum age since sync")
	return cmd
}
