// Command migrate copies tokens and the config document from one storage
// backend to another, e.g. from the local data directory to MySQL.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/Laisky/zap"

	"github.com/chenyme/grok2api/cmd/migrate/internal"
	"github.com/chenyme/grok2api/common/logger"
)

func main() {
	var (
		sourceType = flag.String("source-type", "local", "source storage type: local, redis, mysql, pgsql or sqlite")
		sourceURL  = flag.String("source-url", "./data", "source data directory, file or connection string")
		targetType = flag.String("target-type", "", "target storage type")
		targetURL  = flag.String("target-url", "", "target data directory, file or connection string")
		dryRun     = flag.Bool("dry-run", false, "analyze only, write nothing")
		verbose    = flag.Bool("verbose", false, "log every copied token")
		workers    = flag.Int("workers", 4, "concurrent token writes")
		replace    = flag.Bool("replace", false, "delete target tokens missing from the source")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -target-type mysql -target-url 'user:pass@tcp(host:3306)/grok2api' [options]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *targetType == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	m := &internal.Migrator{
		Source:  internal.Backend{Type: *sourceType, URL: *sourceURL},
		Target:  internal.Backend{Type: *targetType, URL: *targetURL},
		DryRun:  *dryRun,
		Verbose: *verbose,
		Workers: *workers,
		Replace: *replace,
	}
	if _, err := m.Migrate(ctx); err != nil {
		logger.Logger.Fatal("migration failed", zap.Error(err))
	}
}
