//  Copyright 2024-Present Couchbase, Inc.
//
//  Use of this software is governed by the Business Source License included
//  in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
//  in that file, in accordance with the Business Source License, use of this
//  software will be governed by the Apache License, Version 2.0, included in
//  the file licenses/APL2.txt.

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/candlerb/couchtiny/couchtest"
)

var (
	serveAddr string
	serveDBs  []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an in-memory CouchDB-compatible server",
	Long: `Run an in-memory server implementing the parts of the CouchDB API that
couchtiny uses. Everything is lost when it exits.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		handler := couchtest.NewServer()
		for _, name := range serveDBs {
			handler.CreateDatabase(name)
		}
		srv := &http.Server{
			Addr:              serveAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		slog.Info("serving", "addr", serveAddr, "dbs", serveDBs)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		slog.Info("stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:5984", "listen address")
	serveCmd.Flags().StringSliceVar(&serveDBs, "create-db", nil, "databases to create at startup")
	rootCmd.AddCommand(serveCmd)
}
