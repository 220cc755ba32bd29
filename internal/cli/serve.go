// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flowd-io/flowd/internal/config"
	"github.com/flowd-io/flowd/internal/daemon"
	"github.com/flowd-io/flowd/internal/log"
)

// newServeCommand starts the flowd server.
func newServeCommand(flags *rootFlags) *cobra.Command {
	var (
		addr            string
		dataDir         string
		storeBackend    string
		dispatchBackend string
		workers         int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the flowd server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if dataDir != "" {
				cfg.Store.DataDir = dataDir
			}
			if storeBackend != "" {
				cfg.Store.Backend = storeBackend
			}
			if dispatchBackend != "" {
				cfg.Dispatch.Backend = dispatchBackend
			}
			if workers > 0 {
				cfg.Dispatch.Workers = workers
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logCfg := log.FromEnv()
			if cfg.Log.Level != "" {
				logCfg.Level = cfg.Log.Level
			}
			if cfg.Log.Format != "" {
				logCfg.Format = log.Format(cfg.Log.Format)
			}
			logger := log.New(logCfg)

			d, err := daemon.New(cfg, version, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return d.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Run directory root (overrides config)")
	cmd.Flags().StringVar(&storeBackend, "store", "", "Store backend: memory or sqlite")
	cmd.Flags().StringVar(&dispatchBackend, "dispatch", "", "Dispatch backend: local or redis")
	cmd.Flags().IntVar(&workers, "workers", 0, "Local dispatcher worker count")

	return cmd
}
