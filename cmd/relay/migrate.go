package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/chatrelay/internal/boltstore"
	"github.com/stupiduntilnot/chatrelay/internal/repository"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the schema, buckets or table for the configured DB_KIND",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	cfg, err := loadConfig(ctx, false)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	switch cfg.DBKind {
	case "sqlite":
		database, err := openSQLite(cfg.DBPath)
		if err != nil {
			return err
		}
		defer database.Close()
		fmt.Fprintf(out, "sqlite schema ready at %s\n", cfg.DBPath)
	case "bolt":
		store, err := boltstore.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()
		fmt.Fprintf(out, "bolt buckets ready at %s\n", cfg.DBPath)
	case "dynamodb":
		if cfg.DynamoTable == "" {
			return fmt.Errorf("DYNAMO_TABLE is required when DB_KIND=dynamodb")
		}
		client, err := newDynamo(ctx, cfg)
		if err != nil {
			return err
		}
		created, err := repository.EnsureTable(ctx, client, cfg.DynamoTable)
		if err != nil {
			return err
		}
		if created {
			fmt.Fprintf(out, "dynamodb table %s created\n", cfg.DynamoTable)
		} else {
			fmt.Fprintf(out, "dynamodb table %s already exists\n", cfg.DynamoTable)
		}
	default:
		return fmt.Errorf("unsupported db kind: %s", cfg.DBKind)
	}
	return nil
}
