// Package main implements a one-shot seed command that bootstraps a Tidevault
// deployment: it creates the first user and seeds the built-in backup
// policies directly in the database.
//
// Usage:
//
//	go run ./cmd/seed \
//	  --email admin@example.com \
//	  --password secret \
//	  --name "Admin User" \
//	  --role admin
//
// Environment variables:
//
//	TIDEVAULT_DB_DRIVER  sqlite or postgres (default: sqlite)
//	TIDEVAULT_DB_DSN     SQLite file path or Postgres DSN (default: ./tidevault.db)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tidevault/tidevault/internal/catalog"
	"github.com/tidevault/tidevault/internal/db"
	"github.com/tidevault/tidevault/internal/model"
	"github.com/tidevault/tidevault/internal/tablestore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	email := flag.String("email", "", "User email (required)")
	password := flag.String("password", "", "Plain-text password (required)")
	name := flag.String("name", "Admin User", "Display name")
	role := flag.String("role", "admin", "Role: admin, operator or viewer")
	flag.Parse()

	if *email == "" {
		return fmt.Errorf("--email is required")
	}
	if *password == "" {
		return fmt.Errorf("--password is required")
	}
	if !model.ValidRole(*role) {
		return fmt.Errorf("--role must be admin, operator or viewer")
	}

	driver := envOrDefault("TIDEVAULT_DB_DRIVER", "sqlite")
	dsn := envOrDefault("TIDEVAULT_DB_DSN", "./tidevault.db")

	logger, _ := zap.NewDevelopment()
	ctx := context.Background()

	database, err := db.Open(ctx, db.Config{
		Driver:   driver,
		DSN:      dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	cat := catalog.New(tablestore.New(database), logger)

	if err := cat.SeedDefaultPolicies(ctx); err != nil {
		return fmt.Errorf("seed policies: %w", err)
	}

	user, err := cat.CreateUser(ctx, *email, *name, *password, model.Role(*role))
	if err != nil {
		var verr *catalog.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("create user: %s", verr.Message)
		}
		return fmt.Errorf("create user: %w", err)
	}

	fmt.Printf("✓ User created\n")
	fmt.Printf("  Email: %s\n", user.Email)
	fmt.Printf("  Name:  %s\n", user.DisplayName)
	fmt.Printf("  Role:  %s\n", user.Role)

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
