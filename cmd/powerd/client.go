package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"codeberg.org/mutker/powerd/internal/config"
	"codeberg.org/mutker/powerd/internal/control"
	"codeberg.org/mutker/powerd/internal/hardware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const requestTimeout = 30 * time.Second

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the override state and current hardware state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return request(cmd, control.Info())
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the current hardware state as a profile document",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return request(cmd, control.Dump())
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply <path>",
	Short: "Apply a profile file as the manual override",
	Long:  `Applies a profile file, relative to the profile directory, and keeps it applied until "powerd restore".`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return request(cmd, control.Apply(args[0]))
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Drop the manual override",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return request(cmd, control.Restore())
	},
}

var throttleCmd = &cobra.Command{
	Use:       "throttle [cpu|gpu|ring]...",
	Short:     "Show why the CPU, GPU or ring is throttled",
	ValidArgs: []string{"cpu", "gpu", "ring"},
	RunE: func(cmd *cobra.Command, args []string) error {
		targets := make([]hardware.ThrottleTarget, 0, len(args))
		for _, arg := range args {
			target, err := hardware.ParseThrottleTarget(arg)
			if err != nil {
				return err
			}
			targets = append(targets, target)
		}
		return request(cmd, control.ThrottleInfo(targets...))
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent profile transitions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, err := cmd.Flags().GetInt("limit")
		if err != nil {
			return err
		}
		return request(cmd, control.History(limit))
	},
}

// socketAddr resolves the control socket from --socket, then POWERD_SOCKET.
func socketAddr(cmd *cobra.Command) (string, error) {
	v := viper.New()
	v.SetEnvPrefix(config.DefaultEnvPrefix)
	v.SetDefault("socket", config.DefaultSocket)
	if err := v.BindEnv("socket"); err != nil {
		return "", err
	}
	if flag := cmd.Flags().Lookup("socket"); flag != nil && flag.Changed {
		return flag.Value.String(), nil
	}
	return v.GetString("socket"), nil
}

func request(cmd *cobra.Command, req control.Request) error {
	addr, err := socketAddr(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	reply, err := control.Send(ctx, addr, req)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(reply, "\n"))
	return nil
}
