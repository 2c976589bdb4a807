package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/esimhub-backend/pkg/config"
	"github.com/angelmondragon/esimhub-backend/pkg/db"
	"github.com/angelmondragon/esimhub-backend/pkg/logger"
	"github.com/angelmondragon/esimhub-backend/pkg/migrate"
)

func main() {
	cmd := flag.String("cmd", "up", "up|down|status|to|create|validate")
	dir := flag.String("dir", "", "migrations directory; empty uses the migrations built into this binary")
	name := flag.String("name", "", "migration name for -cmd=create")
	target := flag.String("version", "", "target version (YYYYMMDDHHMMSS) for -cmd=to")
	flag.Parse()

	// create and validate work on files only, no config or database needed.
	switch *cmd {
	case "create":
		exitOn(create(*dir, *name))
		return
	case "validate":
		source, err := migrate.Source(*dir)
		if err == nil {
			err = migrate.Validate(source)
		}
		exitOn(err)
		fmt.Println("migrations valid")
		return
	}

	_ = godotenv.Load()
	ctx := context.Background()
	cfg, err := config.Load()
	exitOn(err)

	logg := logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "cmd": *cmd})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "database unavailable", err)
		os.Exit(1)
	}
	defer dbClient.Close()

	if err := run(ctx, logg, dbClient, *cmd, *dir, *target); err != nil {
		logg.Error(ctx, "migration failed", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logg *logger.Logger, client *db.Client, cmd, dir, target string) error {
	sqlDB, err := client.DB().DB()
	if err != nil {
		return err
	}
	source, err := migrate.Source(dir)
	if err != nil {
		return err
	}
	migrator, err := migrate.New(sqlDB, source)
	if err != nil {
		return err
	}

	switch cmd {
	case "up":
		applied, err := migrator.Up(ctx)
		if err != nil {
			return err
		}
		logg.Info(logg.WithField(ctx, "applied", applied), "migrations applied")
	case "down":
		version, err := migrator.Down(ctx)
		if err != nil {
			return err
		}
		logg.Info(logg.WithField(ctx, "version", version), "migration rolled back")
	case "to":
		if target == "" {
			return errors.New("missing -version")
		}
		if err := migrator.To(ctx, target); err != nil {
			return err
		}
		logg.Info(logg.WithField(ctx, "version", target), "schema at target version")
	case "status":
		rows, err := migrator.Status(ctx)
		if err != nil {
			return err
		}
		for _, row := range rows {
			state := "pending"
			if row.Applied {
				state = "applied"
			}
			fmt.Printf("%d\t%-8s %s\n", row.Version, state, row.Path)
		}
	default:
		return fmt.Errorf("unknown -cmd %q", cmd)
	}
	return nil
}

func create(dir, name string) error {
	if name == "" {
		return errors.New("missing -name")
	}
	if dir == "" {
		dir = migrate.DefaultDir
	}
	path, err := migrate.Create(dir, name, time.Now())
	if err != nil {
		return err
	}
	fmt.Println("created", path)
	return nil
}

func exitOn(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}
