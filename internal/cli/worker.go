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

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/flowd-io/flowd/internal/config"
	"github.com/flowd-io/flowd/internal/dispatch/redisq"
	"github.com/flowd-io/flowd/internal/log"
)

// newWorkerCommand starts a broker-backed worker that consumes queued run
// commands and executes them.
func newWorkerCommand(flags *rootFlags) *cobra.Command {
	var (
		redisAddr   string
		queue       string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a task worker against the redis broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			if redisAddr != "" {
				cfg.Dispatch.RedisAddr = redisAddr
			}
			if queue != "" {
				cfg.Dispatch.RedisQueue = queue
			}
			if concurrency <= 0 {
				concurrency = cfg.Dispatch.Workers
			}

			logger := log.New(log.FromEnv())
			client := redis.NewClient(&redis.Options{Addr: cfg.Dispatch.RedisAddr})
			defer client.Close()

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			worker := redisq.NewWorker(client, cfg.Dispatch.RedisQueue, concurrency, logger)
			return worker.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&redisAddr, "redis-addr", "", "Redis broker address (overrides config)")
	cmd.Flags().StringVar(&queue, "queue", "", "Broker queue key (overrides config)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Concurrent task executions")

	return cmd
}
