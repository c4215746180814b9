/*
Dry run of a render graph described in a TOML file: every frame the passes
are declared, run and submitted on the headless backend (the emitted command
stream is logged) or on a Vulkan device.
*/
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spaghettifunk/lumen/engine/config"
	"github.com/spaghettifunk/lumen/engine/core"
)

func main() {
	configPath := flag.String("config", "lumen.toml", "graph description to record")
	frames := flag.Int("frames", 3, "number of frames to record")
	verbose := flag.Bool("v", false, "log every emitted command")
	backendName := flag.String("backend", "", "headless or vulkan, overrides graph.backend")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		core.LogFatal("%s", err)
	}
	if *backendName != "" {
		cfg.Graph.Backend = *backendName
		if err := cfg.Validate(); err != nil {
			core.LogFatal("%s", err)
		}
	}
	core.SetLogLevel(cfg.Log.Level)
	if *verbose {
		core.SetLogLevel("debug")
	}

	// signal channel to capture system calls
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	err = run(ctx, cfg, *frames)
	stop()
	if err != nil {
		core.LogError("%s", err)
		os.Exit(1)
	}
}
