/*
Copyright 2025 LightQ Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command lightq runs the message queue server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gravitational/trace"
	"github.com/spf13/cobra"

	"github.com/lightq/lightq"
	"github.com/lightq/lightq/lib/config"
	"github.com/lightq/lightq/lib/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var clf config.CommandLineFlags

	root := &cobra.Command{
		Use:           "lightq",
		Short:         "LightQ message queue server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	start := &cobra.Command{
		Use:   "start",
		Short: "Start the queue server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return trace.Wrap(onStart(clf))
		},
	}
	start.Flags().StringVarP(&clf.ConfigFile, "config", "c", "", "path to the YAML configuration file")
	start.Flags().StringVar(&clf.ListenAddr, "listen-addr", "", "HTTP listen address, overrides the config file")
	start.Flags().BoolVarP(&clf.Debug, "debug", "d", false, "enable debug logging")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(lightq.Version)
		},
	}

	root.AddCommand(start, version)
	return trace.Wrap(root.Execute())
}

func onStart(clf config.CommandLineFlags) error {
	level := slog.LevelInfo
	if clf.Debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg, err := config.Configure(clf)
	if err != nil {
		return trace.Wrap(err)
	}
	cfg.Log = log

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return trace.Wrap(service.Run(ctx, *cfg))
}
