// Copyright 2022 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Command xv evaluates Javascript-like expressions from the command
// line, optionally against a json document.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"github.com/tidwall/xv"
	"go.uber.org/zap"
)

type options struct {
	jsonPath string
	noCase   bool
	stats    bool
	debug    bool
}

func main() {
	var opts options
	root := &cobra.Command{
		Use:   "xv [expression...]",
		Short: "Evaluate Javascript-like expressions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return run(cmd, args, opts)
		},
	}
	root.Flags().StringVar(&opts.jsonPath, "json", "",
		"json file providing the root identifiers")
	root.Flags().BoolVar(&opts.noCase, "no-case", false,
		"case-insensitive string comparisons")
	root.Flags().BoolVar(&opts.stats, "stats", false,
		"print arena memory statistics after each evaluation")
	root.Flags().BoolVar(&opts.debug, "debug", false,
		"enable debug logging")
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cmd *cobra.Command, exprs []string, opts options) error {
	logger, err := newLogger(opts.debug)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	var doc []byte
	if opts.jsonPath != "" {
		doc, err = os.ReadFile(opts.jsonPath)
		if err != nil {
			return fmt.Errorf("read json file: %w", err)
		}
		if !gjson.ValidBytes(doc) {
			return fmt.Errorf("parse json file %q: invalid document",
				opts.jsonPath)
		}
	}

	arena := new(xv.Arena)
	env := &xv.Env{
		NoCase: opts.noCase,
		Arena:  arena,
		Ref: func(this, ident xv.Value, udata any) xv.Value {
			if !this.IsGlobal() || doc == nil {
				return xv.Undefined
			}
			res := gjson.GetBytes(doc, ident.String())
			if !res.Exists() {
				return xv.Undefined
			}
			return xv.JSON(res.Raw)
		},
	}

	var failed bool
	for _, expr := range exprs {
		res := xv.Eval(expr, env)
		logger.Debug("evaluated expression",
			zap.String("expr", expr),
			zap.String("type", res.TypeOf()),
			zap.Bool("error", res.IsError()),
		)
		if res.IsError() {
			failed = true
			fmt.Fprintln(cmd.ErrOrStderr(), res.String())
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), res.String())
		}
		if opts.stats {
			stats := arena.Memstats()
			logger.Info("arena memstats",
				zap.Int("total_size", stats.TotalSize),
				zap.Int("total_used", stats.TotalUsed),
				zap.Int("num_allocs", stats.NumAllocs),
				zap.Int("heap_allocs", stats.HeapAllocs),
				zap.Int("heap_size", stats.HeapSize),
			)
		}
		arena.Cleanup()
	}
	if failed {
		return fmt.Errorf("one or more expressions failed")
	}
	return nil
}
