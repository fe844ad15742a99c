// Copyright © 2024 Mutker Telag <witty.text5011@fastmail.com>
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"codeberg.org/mutker/powerd/internal/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "powerd",
	Short: "Power profile daemon",
	Long: `powerd applies CPU and GPU power profiles and arbitrates between manual
overrides, profiles held by desktop clients and AC/battery defaults.

Run "powerd daemon" as root; the other commands talk to the running daemon
over its control socket.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("socket", config.DefaultSocket, "control socket address ('@' prefix for abstract)")

	daemonCmd.Flags().String("config", "", "config file (default "+config.DefaultConfigFile+")")
	daemonCmd.Flags().String("profiles", "", "profile directory")
	daemonCmd.Flags().String("log-level", config.DefaultLogLevel, "log level (debug, info, warning, error)")

	historyCmd.Flags().IntP("limit", "n", 20, "number of transitions to show")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(throttleCmd)
	rootCmd.AddCommand(historyCmd)
}
