package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nellyag1/wavescape-portal222/internal/migration"
)

// migrateFlags select the database a migrate subcommand runs against.
// --db-type with --db-url bypasses the config file.
type migrateFlags struct {
	configFlags
	dbType string
	dbURL  string
}

func (f *migrateFlags) migrator() (*migration.DefaultMigrator, error) {
	if f.dbType != "" && f.dbURL != "" {
		return migration.NewMigratorFromURL(f.dbType, f.dbURL)
	}
	cfg, err := f.configFlags.load()
	if err != nil {
		return nil, err
	}
	if f.dbType != "" {
		cfg.Database.Driver = f.dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database)
}

func newMigrateCmd() *cobra.Command {
	flags := &migrateFlags{}
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
		Long: `Apply or roll back the embedded schema migrations of the session and
wait-loop tables. Supported databases are postgres, mysql and sqlite.`,
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "path to the YAML config file")
	pf.StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before the environment")
	pf.StringVar(&flags.dbType, "db-type", "", "database type: postgres, mysql or sqlite (default from config)")
	pf.StringVar(&flags.dbURL, "db-url", "", "database URL (default from config)")

	run := func(use, short string, args cobra.PositionalArgs, fn func(cmd *cobra.Command, cli *migration.CLI, args []string) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  args,
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := flags.migrator()
				if err != nil {
					return fmt.Errorf("failed to create migrator: %w", err)
				}
				defer m.Close()
				cli := migration.NewCLI(m)
				cli.SetOutput(cmd.OutOrStdout())
				return fn(cmd, cli, args)
			},
		}
	}

	cmd.AddCommand(
		run("up", "Apply all pending migrations", cobra.NoArgs,
			func(cmd *cobra.Command, cli *migration.CLI, _ []string) error { return cli.RunUp(cmd.Context()) }),
		run("down", "Roll back the last migration", cobra.NoArgs,
			func(cmd *cobra.Command, cli *migration.CLI, _ []string) error { return cli.RunDown(cmd.Context()) }),
		run("reset", "Roll back all migrations", cobra.NoArgs,
			func(cmd *cobra.Command, cli *migration.CLI, _ []string) error { return cli.RunDownAll(cmd.Context()) }),
		run("status", "Show applied and pending migrations", cobra.NoArgs,
			func(cmd *cobra.Command, cli *migration.CLI, _ []string) error { return cli.RunStatus(cmd.Context()) }),
		run("info", "Show a migration summary", cobra.NoArgs,
			func(cmd *cobra.Command, cli *migration.CLI, _ []string) error { return cli.RunInfo(cmd.Context()) }),
		run("version", "Show the current schema version", cobra.NoArgs,
			func(cmd *cobra.Command, cli *migration.CLI, _ []string) error { return cli.RunVersion(cmd.Context()) }),
		run("steps <n>", "Apply n migrations; roll back with a negative n passed after --", cobra.ExactArgs(1),
			func(cmd *cobra.Command, cli *migration.CLI, args []string) error {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid step count %q", args[0])
				}
				return cli.RunSteps(cmd.Context(), n)
			}),
		run("goto <version>", "Migrate up or down to a version", cobra.ExactArgs(1),
			func(cmd *cobra.Command, cli *migration.CLI, args []string) error {
				v, err := strconv.ParseUint(args[0], 10, 32)
				if err != nil {
					return fmt.Errorf("invalid version %q", args[0])
				}
				return cli.RunGoto(cmd.Context(), uint(v))
			}),
		run("force <version>", "Set the version without running migrations (clears dirty state)", cobra.ExactArgs(1),
			func(cmd *cobra.Command, cli *migration.CLI, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q", args[0])
				}
				return cli.RunForce(cmd.Context(), v)
			}),
	)
	return cmd
}
