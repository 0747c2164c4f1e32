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
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/candlerb/couchtiny"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the server's welcome document, or the database's info with --db",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		var info couchtiny.Doc
		var err error
		if config.Database != "" {
			var db *couchtiny.Database
			if db, err = database(); err != nil {
				return err
			}
			info, err = db.Info(ctx)
		} else {
			info, err = server().Info(ctx)
		}
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), info)
	},
}

var allDBsCmd = &cobra.Command{
	Use:   "all-dbs",
	Short: "List databases",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := server().AllDBs(cmd.Context())
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

var createDBCmd = &cobra.Command{
	Use:   "create-db",
	Short: "Create the database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := database()
		if err != nil {
			return err
		}
		return db.Create(cmd.Context())
	},
}

var getRev string

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Fetch a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := database()
		if err != nil {
			return err
		}
		var opts couchtiny.Options
		if getRev != "" {
			opts = couchtiny.Options{"rev": getRev}
		}
		doc, err := db.Get(cmd.Context(), args[0], opts)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), doc)
	},
}

var putCmd = &cobra.Command{
	Use:   "put [json]",
	Short: "Write a document given as an argument or on stdin",
	Long: `Write a document. Without an _id a fresh one is allocated; to update an
existing document include its current _rev.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := database()
		if err != nil {
			return err
		}
		var data []byte
		if len(args) == 1 {
			data = []byte(args[0])
		} else if data, err = io.ReadAll(cmd.InOrStdin()); err != nil {
			return err
		}
		var doc couchtiny.Doc
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("invalid document: %w", err)
		}
		result, err := db.Put(cmd.Context(), doc, nil)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	},
}

var viewFlags struct {
	key         string
	startKey    string
	endKey      string
	limit       int
	skip        int
	descending  bool
	includeDocs bool
	reduce      string
	group       bool
}

// Builds view options from the flags. Keys are JSON; anything that doesn't parse
// as JSON is taken as a string.
func viewOptions(cmd *cobra.Command) couchtiny.Options {
	opts := couchtiny.Options{}
	jsonFlag := func(name, value string) {
		if !cmd.Flags().Changed(name) {
			return
		}
		var v interface{}
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		opts[strings.ReplaceAll(name, "-", "")] = v
	}
	jsonFlag("key", viewFlags.key)
	jsonFlag("start-key", viewFlags.startKey)
	jsonFlag("end-key", viewFlags.endKey)
	if cmd.Flags().Changed("limit") {
		opts["limit"] = viewFlags.limit
	}
	if viewFlags.skip > 0 {
		opts["skip"] = viewFlags.skip
	}
	if viewFlags.descending {
		opts["descending"] = true
	}
	if viewFlags.includeDocs {
		opts["include_docs"] = true
	}
	if viewFlags.reduce != "" {
		opts["reduce"] = viewFlags.reduce == "true"
	}
	if viewFlags.group {
		opts["group"] = true
	}
	return opts
}

func addViewFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&viewFlags.key, "key", "", "only rows with this key (JSON)")
	f.StringVar(&viewFlags.startKey, "start-key", "", "first key (JSON)")
	f.StringVar(&viewFlags.endKey, "end-key", "", "last key (JSON)")
	f.IntVar(&viewFlags.limit, "limit", 0, "maximum number of rows")
	f.IntVar(&viewFlags.skip, "skip", 0, "rows to skip")
	f.BoolVar(&viewFlags.descending, "descending", false, "reverse the order")
	f.BoolVar(&viewFlags.includeDocs, "include-docs", false, "include documents")
	f.StringVar(&viewFlags.reduce, "reduce", "", "true or false to override the view's reduce")
	f.BoolVar(&viewFlags.group, "group", false, "group reduce results by key")
}

// Copies rows to out as they arrive, one JSON object per line, then the metadata to
// stderr.
func printRows(cmd *cobra.Command, rows couchtiny.RowIterator) error {
	defer rows.Close()
	out := cmd.OutOrStdout()
	for row := rows.NextBytes(); row != nil; row = rows.NextBytes() {
		if _, err := fmt.Fprintf(out, "%s\n", row); err != nil {
			return err
		}
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if m, ok := rows.(interface{ Meta() map[string]interface{} }); ok {
		if meta := m.Meta(); meta != nil {
			data, _ := json.Marshal(meta)
			fmt.Fprintln(cmd.ErrOrStderr(), string(data))
		}
	}
	return nil
}

var viewCmd = &cobra.Command{
	Use:   "view <design> <view>",
	Short: "Query a view of _design/<design>",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := database()
		if err != nil {
			return err
		}
		rows, err := db.Rows(cmd.Context(), args[0], args[1], viewOptions(cmd))
		if err != nil {
			return err
		}
		return printRows(cmd, rows)
	},
}

var allDocsCmd = &cobra.Command{
	Use:   "all-docs",
	Short: "List the documents of the database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := database()
		if err != nil {
			return err
		}
		rows, err := db.AllDocsRows(cmd.Context(), viewOptions(cmd))
		if err != nil {
			return err
		}
		return printRows(cmd, rows)
	},
}

var uuidsCount int

var uuidsCmd = &cobra.Command{
	Use:   "uuids",
	Short: "Allocate document ids with the configured allocator",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s := server()
		for i := 0; i < uuidsCount; i++ {
			id, err := s.NextUUID(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete design documents left behind by earlier view definitions",
	Long: `Delete every slug-named design document except the current one, then compact
the database.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := database()
		if err != nil {
			return err
		}
		registry := couchtiny.DefaultRegistry
		if config.DesignPrefix != "" {
			registry.UseDesign(couchtiny.NewDesign(config.DesignPrefix, true))
		}
		n, err := registry.Generic().On(db).CleanupDesignDocs(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d design documents\n", n)
		return db.Compact(cmd.Context())
	},
}

func init() {
	getCmd.Flags().StringVar(&getRev, "rev", "", "fetch this revision")
	addViewFlags(viewCmd)
	addViewFlags(allDocsCmd)
	uuidsCmd.Flags().IntVarP(&uuidsCount, "count", "n", 1, "number of ids")
	rootCmd.AddCommand(infoCmd, allDBsCmd, createDBCmd, getCmd, putCmd, viewCmd, allDocsCmd, uuidsCmd, cleanupCmd)
}
