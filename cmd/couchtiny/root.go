//  Copyright 2024-Present Couchbase, Inc.
//
//  Use of this software is governed by the Business Source License included
//  in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
//  in that file, in accordance with the Business Source License, use of this
//  software will be governed by the Apache License, Version 2.0, included in
//  the file licenses/APL2.txt.

package main

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/spf13/cobra"

	"github.com/candlerb/couchtiny"
)

var (
	configPath string
	serverURL  string
	dbName     string
	logLevel   string

	config *couchtiny.Config
)

var rootCmd = &cobra.Command{
	Use:   "couchtiny",
	Short: "A small CouchDB client",
	Long: `couchtiny reads and queries CouchDB databases.
Settings come from a YAML file given with --config, then COUCHTINY_URL, then flags.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := couchtiny.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if serverURL != "" {
			cfg.URL = serverURL
		}
		if dbName != "" {
			cfg.Database = dbName
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		level, _ := couchtiny.ParseLogLevel(cfg.LogLevel)
		stderrLogging(level)
		config = cfg
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "YAML config file")
	flags.StringVar(&serverURL, "url", "", "server URL (overrides config)")
	flags.StringVarP(&dbName, "db", "d", "", "database name (overrides config)")
	flags.StringVar(&logLevel, "log-level", "", "none, error, warn, info, debug or trace")
}

func server() *couchtiny.Server {
	return couchtiny.NewServerFromConfig(config)
}

// Returns the database named by --db or the config, which must be set.
func database() (*couchtiny.Database, error) {
	if config.Database == "" {
		return nil, errors.New("no database given, use --db or set database in the config")
	}
	return server().ValidDatabase(config.Database)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
