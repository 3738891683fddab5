// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Command chaindatad is the thin binary wrapping chainstore: it wires
// chainstore/config into a chainstore/kv.DB, chainstore/dataset.Manager
// and chainstore/compact.Compactor, and exposes operational subcommands
// over them. The query language, HTTP API and CLI surface named in
// spec.md §1's Non-goals are not reintroduced here.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/erigontech/chaindata/chainstore/common"
	"github.com/erigontech/chaindata/chainstore/compact"
	"github.com/erigontech/chaindata/chainstore/config"
	"github.com/erigontech/chaindata/chainstore/dataset"
	"github.com/erigontech/chaindata/chainstore/kv"
)

// Version is overridden via -ldflags at release build time.
var Version = "dev"

func main() {
	cfg, err := config.Load(afero.NewOsFs(), scanConfigFlag(os.Args[1:]))
	if err != nil {
		fmt.Fprintf(os.Stderr, "chaindatad: %v\n", err)
		os.Exit(1)
	}
	if err := newRootCmd(cfg).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "chaindatad: %v\n", err)
		os.Exit(1)
	}
}

// scanConfigFlag finds --config's value in argv before the cobra tree
// exists, so the JSON file it names can seed every flag's default
// (config.BindFlags below) - flags parsed afterward by cobra still win
// over whatever the file set, matching the usual file-then-flags
// precedence.
func scanConfigFlag(args []string) string {
	for i, a := range args {
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(a, "--config="); ok {
			return v
		}
	}
	return ""
}

// app bundles the components every subcommand needs, constructed once
// in the root command's PersistentPreRunE from the resolved Config.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	mgr    *dataset.Manager
}

func newRootCmd(cfg config.Config) *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:     "chaindatad",
		Short:   "Operational CLI for the chaindata warehouse core",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := cfg.BuildLogger()
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logger
			a.mgr = dataset.NewManager(kv.NewDBWithBlockCache(cfg.BlockCacheEntries))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
			return nil
		},
	}
	// Registered for --help/documentation only - scanConfigFlag already
	// consumed its value above, before cfg's fields became flag defaults.
	root.PersistentFlags().String("config", "", "path to a JSON config file")
	config.BindFlags(root.PersistentFlags(), &cfg)

	root.AddCommand(newVersionCmd())
	root.AddCommand(newCreateDatasetCmd(a))
	root.AddCommand(newCompactCmd(a))
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the chaindatad version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
			return nil
		},
	}
}

func newCreateDatasetCmd(a *app) *cobra.Command {
	var kindName string
	cmd := &cobra.Command{
		Use:   "create-dataset <id>",
		Short: "Register a new, empty dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(kindName)
			if err != nil {
				return err
			}
			id := common.DatasetId(args[0])
			if err := a.mgr.CreateDataset(cmd.Context(), id, kind); err != nil {
				return fmt.Errorf("create dataset %s: %w", id, err)
			}
			a.logger.Info("dataset created", zap.String("id", string(id)), zap.String("kind", kindName))
			return nil
		},
	}
	cmd.Flags().StringVar(&kindName, "kind", "evm", "chain family kind (evm, solana, bitcoin, fuel, substrate, starknet, hyperliquid)")
	return cmd
}

func newCompactCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compact <id>",
		Short: "Run one compaction pass over a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := common.DatasetId(args[0])
			c := compact.NewCompactor(a.mgr, a.cfg.CompactOptions())
			status, err := c.Compact(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("compact %s: %w", id, err)
			}
			a.logger.Info("compaction pass complete", zap.String("id", string(id)), zap.String("status", status.String()))
			fmt.Fprintln(cmd.OutOrStdout(), status)
			return nil
		},
	}
	return cmd
}

func parseKind(name string) (common.DatasetKind, error) {
	switch name {
	case "evm":
		return common.KindEVM, nil
	case "solana":
		return common.KindSolana, nil
	case "bitcoin":
		return common.KindBitcoin, nil
	case "fuel":
		return common.KindFuel, nil
	case "substrate":
		return common.KindSubstrate, nil
	case "starknet":
		return common.KindStarknet, nil
	case "hyperliquid":
		return common.KindHyperliquid, nil
	default:
		return 0, fmt.Errorf("unknown dataset kind %q", name)
	}
}
