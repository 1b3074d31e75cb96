/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// The worker binary is the container entrypoint. It reads the three-variable
// environment contract, connects to the bucket, and runs exactly one
// envelope; bootstrap envelopes turn it into a detached session worker that
// pulls tasks until the session drains.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	awsclients "github.com/cloudburst-labs/cloudburst/pkg/aws"
	"github.com/cloudburst-labs/cloudburst/pkg/logging"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/objectstore"
	"github.com/cloudburst-labs/cloudburst/pkg/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := logging.NewLogger(os.Getenv("DEBUG") != "")
	ctx = logging.WithLogger(ctx, logger)

	cfg, err := worker.ConfigFromEnv()
	if err != nil {
		logger.Fatalf("reading environment: %s", err)
	}
	clients, err := awsclients.NewClients(ctx, cfg.Region)
	if err != nil {
		logger.Fatalf("connecting to %s: %s", cfg.Region, err)
	}
	store := objectstore.NewDefaultProvider(clients.S3, cfg.Bucket)
	registry := worker.NewRegistry()
	worker.RegisterBuiltins(registry)
	runtime := worker.NewRuntime(store, registry)

	logger.With("task-id", cfg.TaskID, "bucket", cfg.Bucket, "worker-id", runtime.WorkerID()).
		Infof("worker starting")
	if err := runtime.Run(ctx, cfg.TaskID); err != nil {
		logger.Fatalf("running task %s: %s", cfg.TaskID, err)
	}
	logger.Infof("worker done")
}
