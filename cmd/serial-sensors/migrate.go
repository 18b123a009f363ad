package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/banshee-data/serial-sensors/internal/config"
	"github.com/banshee-data/serial-sensors/internal/db"
)

func (a *app) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the SQLite schema",
	}
	cmd.PersistentFlags().String(config.FlagDB, "", "SQLite database path")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: a.withDB(func(cmd *cobra.Command, d *db.DB, _ []string) error {
				if err := d.MigrateUp(); err != nil {
					return err
				}
				return printVersion(cmd, d)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: a.withDB(func(cmd *cobra.Command, d *db.DB, _ []string) error {
				if err := d.MigrateDown(); err != nil {
					return err
				}
				return printVersion(cmd, d)
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the schema version",
			Args:  cobra.NoArgs,
			RunE: a.withDB(func(cmd *cobra.Command, d *db.DB, _ []string) error {
				return printVersion(cmd, d)
			}),
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Mark the schema as being at version, clearing the dirty flag",
			Args:  cobra.ExactArgs(1),
			RunE: a.withDB(func(cmd *cobra.Command, d *db.DB, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				if err := d.MigrateForce(v); err != nil {
					return err
				}
				return printVersion(cmd, d)
			}),
		},
	)
	return cmd
}

// withDB opens the configured database without migrating it.
func (a *app) withDB(fn func(*cobra.Command, *db.DB, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		path := a.cfg.GetDBPath()
		if path == "" {
			return errors.New("no database: set --" + config.FlagDB + " or output.db_path")
		}
		d, err := db.OpenWithoutMigrations(path)
		if err != nil {
			return err
		}
		defer d.Close()
		return fn(cmd, d, args)
	}
}

func printVersion(cmd *cobra.Command, d *db.DB) error {
	v, dirty, err := d.MigrateVersion()
	if err != nil {
		return err
	}
	suffix := ""
	if dirty {
		suffix = " (dirty)"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d%s\n", v, suffix)
	return nil
}
