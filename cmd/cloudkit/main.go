// Copyright (C) 2019 CloudKit Authors.
// See LICENSE for copying information.

package main

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"cloudkit.io/cloudkit/pkg/cache"
	"cloudkit.io/cloudkit/pkg/httpd"
	"cloudkit.io/cloudkit/pkg/store"
	"cloudkit.io/cloudkit/storage"
	"cloudkit.io/cloudkit/storage/boltstore"
	"cloudkit.io/cloudkit/storage/postgresstore"
	"cloudkit.io/cloudkit/storage/sqlitestore"
	"cloudkit.io/cloudkit/storage/storelogger"
	"cloudkit.io/cloudkit/storage/teststore"
)

var (
	rootCmd = &cobra.Command{
		Use:   "cloudkit",
		Short: "Versioned JSON document store",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the cloudkit server",
		RunE:  cmdRun,
	}
)

func init() {
	flags := runCmd.Flags()
	flags.String("addr", "localhost:9292", "server endpoint (IP + port)")
	flags.String("backend", "memory", "storage backend: memory, sqlite, postgres, or bolt")
	flags.String("db", "", "database URL (postgres) or file path (sqlite, bolt)")
	flags.String("redis", "", "redis address for the response cache (empty disables)")
	flags.String("redis-password", "", "redis password")
	flags.Int("redis-db", 0, "redis database number")
	flags.String("collections", "", "comma-separated collection names")
	flags.StringSlice("view", nil, "view declaration name:collection:key1+key2 (repeatable)")
	flags.Bool("dev", false, "switch to development logging")

	if err := viper.BindPFlags(flags); err != nil {
		log.Fatal(err)
	}
	viper.SetEnvPrefix("cloudkit")
	viper.AutomaticEnv()

	rootCmd.AddCommand(runCmd)
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	logger, err := newLogger(viper.GetBool("dev"))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	config, err := parseConfig(viper.GetString("collections"), viper.GetStringSlice("view"))
	if err != nil {
		return err
	}

	adapter, err := openAdapter(viper.GetString("backend"), viper.GetString("db"))
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, adapter.Close()) }()
	adapter = storelogger.New(logger.Named("storage"), adapter)

	ctx := context.Background()
	st, err := store.New(ctx, logger.Named("store"), adapter, config)
	if err != nil {
		return err
	}

	var responseCache *cache.ResponseCache
	if address := viper.GetString("redis"); address != "" {
		responseCache, err = cache.New(logger.Named("cache"),
			address, viper.GetString("redis-password"), viper.GetInt("redis-db"))
		if err != nil {
			return err
		}
		defer func() { err = errs.Combine(err, responseCache.Close()) }()
	}

	server := httpd.NewServer(logger.Named("httpd"), st, responseCache)
	return server.Run(viper.GetString("addr"))
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openAdapter(backend, db string) (storage.Adapter, error) {
	switch backend {
	case "memory":
		return teststore.New(), nil
	case "sqlite":
		if db == "" {
			db = "cloudkit.db"
		}
		return sqlitestore.New(db)
	case "postgres":
		if db == "" {
			return nil, errs.New("postgres backend needs --db")
		}
		return postgresstore.New(db)
	case "bolt":
		if db == "" {
			db = "cloudkit.bolt"
		}
		return boltstore.New(db)
	}
	return nil, errs.New("unknown backend %q", backend)
}

func parseConfig(collections string, views []string) (store.Config, error) {
	var config store.Config
	for _, name := range strings.Split(collections, ",") {
		if name = strings.TrimSpace(name); name != "" {
			config.Collections = append(config.Collections, name)
		}
	}
	for _, declaration := range views {
		parts := strings.Split(declaration, ":")
		if len(parts) != 3 {
			return config, errs.New("invalid view declaration %q", declaration)
		}
		config.Views = append(config.Views, &store.View{
			Name:       parts[0],
			Collection: parts[1],
			Keys:       strings.Split(parts[2], "+"),
		})
	}
	return config, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
	}
}
