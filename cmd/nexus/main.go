// Package main is the Nexus ReBAC engine's entry point: a cobra CLI that
// boots the relational storage bridge, the Redis cache repository, and the
// authorization engine facade, then exposes them behind either an echo
// admin/RPC surface (`serve`) or one-shot maintenance commands (`migrate`,
// `seed`). Modeled on the teacher's cli/root.go command-and-config shape,
// generalized from a RabbitMQ/CouchDB flow-message service to the
// permission engine's own dependency graph.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nexi-lab/nexus/common"
	boltdb "github.com/nexi-lab/nexus/db/bolt"
	"github.com/nexi-lab/nexus/db/repository"
	"github.com/nexi-lab/nexus/rebac/engine"
	"github.com/nexi-lab/nexus/rebac/tiger"
	"github.com/nexi-lab/nexus/storage"
)

// cfgFile holds the path to the configuration file specified via
// --config, following the teacher's search-order convention: an explicit
// flag wins, otherwise $HOME/.nexus.yaml then ./.nexus.yaml.
var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "nexus",
	Short: "Nexus ReBAC authorization engine",
	Long: `Nexus is a Zanzibar-style relationship-based access control engine:
a namespace schema, a tuple store, a recursive graph evaluator with ABAC
conditions, and a three-level permission cache (in-process, distributed,
materialized bitmap) sitting in front of a Postgres storage bridge.

Configuration can be provided via command-line flags, environment
variables, or a YAML configuration file, with flags taking precedence.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.nexus.yaml)")
	rootCmd.PersistentFlags().String("postgres-url", "", "Postgres connection URL")
	rootCmd.PersistentFlags().String("redis-url", "", "Redis connection URL")
	rootCmd.PersistentFlags().String("port", "8080", "HTTP admin/RPC server port")
	rootCmd.PersistentFlags().Int("max-depth", 10, "graph evaluator recursion depth cap")
	rootCmd.PersistentFlags().String("descendant-resource-type", "file", "resource_type directory grants expand over")
	rootCmd.PersistentFlags().String("bolt-path", "", "optional bbolt file mirroring namespace schemas for a warm restart (disabled if empty)")
	viper.BindPFlag("engine.bolt_path", rootCmd.PersistentFlags().Lookup("bolt-path"))

	viper.BindPFlag("postgres.url", rootCmd.PersistentFlags().Lookup("postgres-url"))
	viper.BindPFlag("redis.url", rootCmd.PersistentFlags().Lookup("redis-url"))
	viper.BindPFlag("server.port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("engine.max_depth", rootCmd.PersistentFlags().Lookup("max-depth"))
	viper.BindPFlag("engine.descendant_resource_type", rootCmd.PersistentFlags().Lookup("descendant-resource-type"))

	rootCmd.AddCommand(serveCmd, migrateCmd, seedCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".nexus")
	}

	viper.SetEnvPrefix("NEXUS")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func repoConfig() repository.Config {
	cfg := repository.ConfigFromEnv()
	if v := viper.GetString("postgres.url"); v != "" {
		cfg.PostgresURL = v
	}
	if v := viper.GetString("redis.url"); v != "" {
		cfg.RedisURL = v
	}
	return cfg
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "apply embedded schema migrations and exit",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg := repoConfig()
		db, err := storage.Bootstrap(ctx, storage.DatabaseConfig{URL: cfg.PostgresURL, Timeout: 30 * time.Second})
		if err != nil {
			log.Fatalf("migrate: %v", err)
		}
		defer db.Close()
		log.Println("migrations applied")
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "seed default namespace schemas (document, folder, org) and exit",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		eng, repos, err := buildEngine(ctx)
		if err != nil {
			log.Fatalf("seed: %v", err)
		}
		defer repos.Close()
		if err := eng.Namespaces.SeedDefaults(ctx); err != nil {
			log.Fatalf("seed: %v", err)
		}
		log.Println("default namespaces seeded")
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the admin/RPC HTTP surface",
	Run:   runServer,
}

// buildEngine wires storage, repositories, and the engine facade -- the
// same dependency order the teacher's runServer follows for its own
// service dependencies (queue -> persistence -> auth -> HTTP).
func buildEngine(ctx context.Context) (*engine.Engine, *repository.Repositories, error) {
	cfg := repoConfig()

	// Bootstrap ensures the schema exists before any repository issues a
	// query against it; it uses its own short-lived connection.
	bootstrapDB, err := storage.Bootstrap(ctx, storage.DatabaseConfig{URL: cfg.PostgresURL, Timeout: 30 * time.Second})
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap: %w", err)
	}
	bootstrapDB.Close()

	repos, err := repository.NewRepositories(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("repositories: %w", err)
	}

	var bolt *boltdb.DB
	if path := viper.GetString("engine.bolt_path"); path != "" {
		bolt, err = boltdb.Open(path)
		if err != nil {
			repos.Close()
			return nil, nil, fmt.Errorf("bolt mirror: %w", err)
		}
	}

	resourceType := viper.GetString("engine.descendant_resource_type")

	eng, err := engine.New(ctx, engine.Deps{
		Repos:       repos,
		Descendants: tiger.NewResourceMapDescendantResolver(repos.ResourceMap, resourceType),
		MaxDepth:    viper.GetInt("engine.max_depth"),
		Log:         logrus.NewEntry(common.Logger).WithField("service", "nexus"),
		Bolt:        bolt,
	})
	if err != nil {
		repos.Close()
		if bolt != nil {
			bolt.Close()
		}
		return nil, nil, fmt.Errorf("engine: %w", err)
	}
	return eng, repos, nil
}

func runServer(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	eng, repos, err := buildEngine(ctx)
	if err != nil {
		log.Fatalf("serve: %v", err)
	}
	defer repos.Close()

	if err := eng.Namespaces.SeedDefaults(ctx); err != nil {
		log.Printf("warning: seed_defaults: %v", err)
	}

	go func() {
		warmed, err := eng.Tiger.WarmFromDB(ctx, 1000)
		if err != nil {
			log.Printf("warning: tiger warm-from-db: %v", err)
			return
		}
		log.Printf("tiger cache warmed: %d bitmaps", warmed)
	}()

	srv := newServer(eng)
	port := viper.GetString("server.port")

	go func() {
		log.Printf("nexus admin/RPC surface starting on port %s", port)
		if err := srv.Start(":" + port); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
