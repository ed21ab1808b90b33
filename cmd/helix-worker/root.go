package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/helix-os/wasm-worker/dispatch"
	"github.com/helix-os/wasm-worker/modules"
	"github.com/helix-os/wasm-worker/runner"
	"github.com/helix-os/wasm-worker/sandbox"
)

var rootCmd = &cobra.Command{
	Use:   "helix-worker",
	Short: "Sandboxed WASM task worker",
	Long: `helix-worker - Execute WASM tasks from the message bus.

The worker joins a load-balanced group on the task subject, fetches the
referenced module, runs it in an isolated WebAssembly sandbox, and
answers with a structured result. Modules get no filesystem, network,
or environment access.`,
	Args: cobra.NoArgs,
	Run:  runWorker,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().String("nats-url", envOr("NATS_URL", nats.DefaultURL), "Bus address")
	rootCmd.Flags().String("subject", dispatch.DefaultSubject, "Task subject")
	rootCmd.Flags().String("group", dispatch.DefaultGroup, "Worker group for load balancing")
	rootCmd.Flags().String("worker-id", "", "Worker identity (default: generated)")
	rootCmd.Flags().String("module-base", envOr("HELIX_MODULE_BASE", ""), "Module registry: directory or HTTP base (default: ~/.helix/wasm)")
	rootCmd.Flags().Duration("timeout", runner.DefaultTimeout, "Per-task execution timeout")
	rootCmd.Flags().Int("cache-size", modules.DefaultCapacity, "Compiled-module cache capacity")
	rootCmd.Flags().String("memory", "", "Module memory limit: 1mb, 16mb, 64mb, 256mb, 1gb (default: runtime maximum)")
	rootCmd.Flags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.Flags().Bool("log-json", false, "Emit JSON logs")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// parseMemoryLimit maps a human size to 64KB wasm pages.
func parseMemoryLimit(s string) uint32 {
	switch strings.ToLower(s) {
	case "1mb":
		return 16
	case "16mb":
		return 256
	case "64mb":
		return 1024
	case "256mb":
		return 4096
	case "1gb":
		return 16384
	default:
		return 0 // use default
	}
}

func buildLogger(cmd *cobra.Command) (*logrus.Logger, error) {
	levelStr, _ := cmd.Flags().GetString("log-level")
	jsonOut, _ := cmd.Flags().GetBool("log-json")

	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", levelStr)
	}

	log := logrus.New()
	log.SetLevel(level)
	if jsonOut {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log, nil
}

func runWorker(cmd *cobra.Command, args []string) {
	log, err := buildLogger(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	url, _ := cmd.Flags().GetString("nats-url")
	subject, _ := cmd.Flags().GetString("subject")
	group, _ := cmd.Flags().GetString("group")
	workerID, _ := cmd.Flags().GetString("worker-id")
	moduleBase, _ := cmd.Flags().GetString("module-base")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	cacheSize, _ := cmd.Flags().GetInt("cache-size")
	memory, _ := cmd.Flags().GetString("memory")

	if moduleBase == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.WithError(err).Fatal("resolve home directory")
		}
		moduleBase = filepath.Join(home, ".helix", "wasm")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sandboxOpts []sandbox.Option
	if pages := parseMemoryLimit(memory); pages > 0 {
		sandboxOpts = append(sandboxOpts, sandbox.WithMemoryLimit(pages))
	}
	sb, err := sandbox.New(ctx, sandboxOpts...)
	if err != nil {
		log.WithError(err).Fatal("create sandbox")
	}
	defer sb.Close()

	cache, err := modules.NewCache(modules.NewSource(moduleBase), sb, cacheSize)
	if err != nil {
		log.WithError(err).Fatal("create module cache")
	}

	run := runner.New(sb, cache,
		runner.WithTimeout(timeout),
		runner.WithLogger(log),
	)
	defer run.Close()

	dispatchOpts := []dispatch.Option{
		dispatch.WithSubject(subject),
		dispatch.WithGroup(group),
		dispatch.WithLogger(log),
	}
	if workerID != "" {
		dispatchOpts = append(dispatchOpts, dispatch.WithWorkerID(workerID))
	}

	client, err := dispatch.Connect(url, run, dispatchOpts...)
	if err != nil {
		log.WithError(err).Fatal("join task bus")
	}
	defer client.Close()

	log.WithFields(logrus.Fields{
		"url":         url,
		"subject":     subject,
		"group":       group,
		"module_base": moduleBase,
		"timeout":     timeout,
	}).Info("worker ready")

	<-ctx.Done()
	log.Info("shutting down")
}
