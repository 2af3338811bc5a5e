/*
Copyright 2024 The Agent Operator Authors.

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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yachiko/agent-operator/pkg/di"
	"github.com/yachiko/agent-operator/pkg/logging"
)

var (
	// Build-time variables
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", os.Getenv("AGENT_OPERATOR_CONFIG"), "Path to the operator configuration file.")
		showVersion = flag.Bool("version", false, "Show version information and exit.")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("Agent Operator\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Build Date: %s\n", buildDate)
		os.Exit(0)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := di.NewApplicationBuilder().WithConfigFile(*configFile).Build(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build application: %v\n", err)
		os.Exit(1)
	}
	if err := logging.SetGlobalLogger(app.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "failed to install logger: %v\n", err)
		os.Exit(1)
	}

	setupLog := app.Logger.WithName("setup")
	setupLog.Info("Starting agent operator",
		"version", version,
		"commit", commit,
		"buildDate", buildDate,
		"config", *configFile,
	)

	if err := app.Start(ctx); err != nil {
		setupLog.Error(err, "operator exited with error")
		os.Exit(1)
	}

	setupLog.Info("Operator stopped")
}
