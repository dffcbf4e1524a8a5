// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/cfgstruct"
	"storj.io/common/fpath"
	"storj.io/common/process"

	"github.com/schemawatch/schemawatch/observer"
	"github.com/schemawatch/schemawatch/observerdb"
)

// Config is the full configuration of the schemawatch process.
type Config struct {
	DatabasePath string `help:"path of the embedded observer database" default:"$CONFDIR/observer.db"`

	observer.Config
}

var (
	rootCmd = &cobra.Command{
		Use:   "schemawatch",
		Short: "Schema drift observer between SQL Server databases and .sql project folders",
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the observer",
		RunE:  cmdRun,
	}
	confDir string

	runCfg   Config
	setupCfg Config
)

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}

	valid, _ := fpath.IsValidSetupDir(setupDir)
	if !valid {
		return fmt.Errorf("schemawatch configuration already exists (%v)", setupDir)
	}

	err = os.MkdirAll(setupDir, 0700)
	if err != nil {
		return err
	}

	return process.SaveConfig(cmd, filepath.Join(setupDir, "config.yaml"))
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	db, err := observerdb.Open(ctx, log.Named("db"), runCfg.DatabasePath)
	if err != nil {
		return errs.New("error opening observer database: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	peer, err := observer.New(log, db, runCfg.Config)
	if err != nil {
		return err
	}

	runErr := peer.Run(ctx)
	closeErr := peer.Close()
	return errs.Combine(runErr, closeErr)
}

func init() {
	defaultConfDir := fpath.ApplicationDir("schemawatch")
	cfgstruct.SetupFlag(zap.L(), rootCmd, &confDir, "config-dir", defaultConfDir, "main directory for schemawatch configuration")
	defaults := cfgstruct.DefaultsFlag(rootCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	process.Bind(runCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(setupCmd, &setupCfg, defaults, cfgstruct.ConfDir(confDir), cfgstruct.SetupMode())
}

func main() {
	logger, _, _ := process.NewLogger("schemawatch")
	zap.ReplaceGlobals(logger)

	process.Exec(rootCmd)
}
