package main

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/coldpool/zfscore/pkg/event"
)

var log event.View

var (
	flagVerbose bool
	flagDebug   bool
	flagJSON    bool
	flagConfig  string
)

var rootCmd = &cobra.Command{
	Use:   "zcore",
	Short: "operate a storage pool",
	Long:  "zcore creates, imports, and drives a storage pool directly from the command line, for poking at its transaction, caching, and fault-injection behavior without a full dataset/filesystem layer on top.",
}

func commandInit() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().BoolVarP(&flagJSON, "json", "j", false, "enable json output")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "tunables", "", "path to a tunables TOML file (defaults to ~/.zfscore/tunables.toml)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		logger := &event.CLI{}

		if flagJSON {
			logger.DisableTTY = true
			logrus.SetFormatter(&logrus.JSONFormatter{})
		} else {
			logrus.SetFormatter(logger)
		}
		logrus.SetLevel(logrus.TraceLevel)
		if flagDebug {
			logger.IsDebug = true
		}
		log = logger

		return registryLoad()
	}

	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(injectCmd)

	poolCmd.AddCommand(poolCreateCmd)
	poolCmd.AddCommand(poolStatusCmd)
	poolCmd.AddCommand(poolWriteCmd)
	poolCmd.AddCommand(poolReadCmd)
	poolCmd.AddCommand(poolSyncCmd)
	poolCmd.AddCommand(poolListCmd)

	injectCmd.AddCommand(injectDemoCmd)

	addPoolCreateFlags()
	addPoolWriteFlags()
	addPoolReadFlags()
	addInjectDemoFlags()
}
