package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"

	"copilot2api-go/internal/config"
	"copilot2api-go/internal/migrations"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", config.Locate(), "Configuration file supplying storage.postgres_dsn")
	dsn := flag.String("dsn", "", "PostgreSQL connection string (overrides the config file)")
	action := flag.String("action", "up", "migration action: up, down, version or status")
	steps := flag.Int("steps", 1, "steps to roll back when action=down")
	flag.Parse()

	if *dsn == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.WithError(err).Fatal("load configuration")
		}
		*dsn = cfg.Storage.PostgresDSN
	}
	if *dsn == "" {
		fmt.Fprintln(os.Stderr, "no DSN: pass -dsn or set storage.postgres_dsn / POSTGRES_DSN")
		os.Exit(2)
	}

	db, err := sql.Open("postgres", *dsn)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer db.Close()

	switch *action {
	case "up":
		if err := migrations.Up(db); err != nil {
			log.WithError(err).Fatal("migrate up")
		}
		log.Info("migrations applied")
	case "down":
		if err := migrations.Down(db, *steps); err != nil {
			log.WithError(err).Fatal("migrate down")
		}
		log.Infof("rolled back %d step(s)", *steps)
	case "version", "status":
		current, dirty, err := migrations.Version(db)
		if err != nil {
			log.WithError(err).Fatal("read version")
		}
		latest, err := migrations.Latest()
		if err != nil {
			log.WithError(err).Fatal("read embedded migrations")
		}
		log.WithFields(log.Fields{
			"current": current,
			"latest":  latest,
			"dirty":   dirty,
			"pending": current < latest,
		}).Info("schema version")
	default:
		fmt.Fprintf(os.Stderr, "unknown action %q (expected up, down, version, status)\n", *action)
		os.Exit(2)
	}
}
