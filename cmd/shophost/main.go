// shophost hosts many tenant shop bots behind one webhook endpoint.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/m3rciful/shophost/core/bootstrap"
	"github.com/m3rciful/shophost/core/buildinfo"
	corecmd "github.com/m3rciful/shophost/core/cmd"
	coreconfig "github.com/m3rciful/shophost/core/config"
	"github.com/m3rciful/shophost/core/database"
	"github.com/m3rciful/shophost/core/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "shophost",
	Short:         "Multi-tenant shop bot host",
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the webhook ingress and the control API",
	RunE:  runServe,
}

var printSchema bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE:  runMigrate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("shophost %s\n", buildinfo.String())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config; CONFIG_PATH takes precedence")
	migrateCmd.Flags().BoolVar(&printSchema, "print", false, "print the schema instead of applying it")
	rootCmd.AddCommand(serveCmd, migrateCmd, versionCmd)
	_ = godotenv.Load()
}

func runServe(_ *cobra.Command, _ []string) error {
	return corecmd.Run(corecmd.Options{
		DefaultConfigPath: configPath,
		LoadConfig:        coreconfig.Load,
		Bootstrap: func(ctx context.Context, cfg *coreconfig.Config) (*bootstrap.App, error) {
			return bootstrap.Run(ctx, bootstrap.Options{Config: cfg})
		},
	})
}

func runMigrate(_ *cobra.Command, _ []string) error {
	if printSchema {
		stmts, err := database.UpStatements()
		if err != nil {
			return err
		}
		for _, s := range stmts {
			fmt.Printf("%s;\n\n", s)
		}
		return nil
	}

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = configPath
	}
	cfg, err := coreconfig.Load(path)
	if err != nil {
		return err
	}
	if err := logger.InitLogger(cfg); err != nil {
		return err
	}
	defer func() { _ = logger.Shutdown() }()

	ctx := context.Background()
	wait := time.Duration(cfg.Database.WaitSeconds) * time.Second
	if err := database.RunMigrations(ctx, cfg.Database.DSN, wait); err != nil {
		return err
	}
	if cfg.Database.SchedulerDSN != cfg.Database.DSN {
		return database.RunMigrations(ctx, cfg.Database.SchedulerDSN, wait)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
