// Copyright 2025 The QI Survey Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli implements the surveysync command-line interface.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/souphaphone-lao/qi-survey-webapp-sub001/connectivity"
	"github.com/souphaphone-lao/qi-survey-webapp-sub001/internal/config"
	"github.com/souphaphone-lao/qi-survey-webapp-sub001/localstore"
	"github.com/souphaphone-lao/qi-survey-webapp-sub001/surveyclient"
	"github.com/souphaphone-lao/qi-survey-webapp-sub001/syncengine"
)

// app carries state shared by all commands once flags are parsed
type app struct {
	configFile string
	envFiles   []string

	cfg    *config.Config
	logger *slog.Logger
	http   *http.Client
}

// NewRootCommand builds the command tree
func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "surveysync",
		Short: "Offline-first survey submission sync",
		Long: `surveysync keeps survey submissions captured offline in a local SQLite
store and pushes them to the survey server once it becomes reachable.

It also ships the reference submission API server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd.ErrOrStderr())
		},
	}

	root.PersistentFlags().StringVar(&a.configFile, "config", "", "Config file (yaml, json or toml)")
	root.PersistentFlags().StringSliceVar(&a.envFiles, "env-file", []string{".env"}, "Env files to load before reading SURVEYSYNC_* variables")

	root.AddCommand(a.serveCommand())
	root.AddCommand(a.syncCommand())
	root.AddCommand(a.statusCommand())
	root.AddCommand(a.retryCommand())
	root.AddCommand(a.purgeCommand())
	root.AddCommand(a.tokenCommand())
	return root
}

// Execute runs the root command against os.Args
func Execute() error {
	return NewRootCommand().Execute()
}

func (a *app) load(logOut io.Writer) error {
	cfg, err := config.Load(config.Options{ConfigFile: a.configFile, EnvFiles: a.envFiles})
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = cfg.Log.NewLogger(logOut)
	slog.SetDefault(a.logger)
	if a.http == nil {
		a.http = &http.Client{}
	}
	return nil
}

// client is the API client built from server.url and auth.token
func (a *app) client() *surveyclient.Client {
	return surveyclient.New(a.cfg.Server.URL, surveyclient.StaticToken(a.cfg.Auth.Token), a.http, a.logger)
}

// runtime is the client-side stack shared by sync, status and retry
type runtime struct {
	store   *localstore.SQLiteStore
	monitor *connectivity.Monitor
	engine  *syncengine.Engine
}

func (a *app) openRuntime(ctx context.Context) (*runtime, error) {
	store, err := localstore.OpenSQLite(ctx, a.cfg.Store.Path, a.logger)
	if err != nil {
		return nil, err
	}
	client := a.client()
	monitor, err := connectivity.NewMonitor(connectivity.ProberFunc(client.Ping), a.cfg.ConnectivityConfig(), a.logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	engine, err := syncengine.New(store, client, monitor, a.cfg.EngineConfig(), a.logger)
	if err != nil {
		monitor.Close()
		_ = store.Close()
		return nil, err
	}
	return &runtime{store: store, monitor: monitor, engine: engine}, nil
}

func (r *runtime) Close() error {
	r.engine.Stop()
	r.monitor.Close()
	return r.store.Close()
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
