/*
Copyright 2025.

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

// The install binary applies migrations, seeds the table registry, and
// attaches the sync triggers. Safe to re-run.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/percolationlabs/percolate/internal/config"
	"github.com/percolationlabs/percolate/internal/kv"
	"github.com/percolationlabs/percolate/internal/store"
	"github.com/percolationlabs/percolate/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var rebuildKV bool
	flag.BoolVar(&rebuildKV, "rebuild-kv", false, "Rebuild the KV index from source tables after install")
	flag.Parse()

	opts := config.FromEnv()
	if err := opts.Validate(); err != nil {
		return err
	}

	log, syncLog, err := logging.NewLogger()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer syncLog()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Migrations ---
	zapLog, err := logging.NewZapLogger()
	if err != nil {
		return err
	}
	migrator, err := store.NewMigrator(opts.DatabaseURL, logging.LogrFromZap(zapLog))
	if err != nil {
		return err
	}
	defer func() { _ = migrator.Close() }()

	if err := migrator.Up(); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	version, dirty, err := migrator.Version()
	if err != nil {
		return err
	}
	log.Infow("migrations applied", "version", version, "dirty", dirty)

	// --- Registry seed + triggers ---
	pool, err := pgxpool.New(ctx, opts.DatabaseURL)
	if err != nil {
		return fmt.Errorf("creating pool: %w", err)
	}
	defer pool.Close()

	registry := store.NewRegistry(pool)
	if err := registry.Seed(ctx); err != nil {
		return fmt.Errorf("seeding registry: %w", err)
	}
	log.Infow("registry seeded")

	if rebuildKV {
		kvSync := kv.NewSync(pool, registry, log)
		if err := kvSync.FullRebuild(ctx); err != nil {
			return fmt.Errorf("rebuilding kv index: %w", err)
		}
		log.Infow("kv index rebuilt")
	}
	return nil
}
