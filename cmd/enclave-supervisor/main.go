package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/treza-labs/enclave-bridge/attestation"
	"github.com/treza-labs/enclave-bridge/cmd/flags"
	"github.com/treza-labs/enclave-bridge/enclave"
	"github.com/treza-labs/enclave-bridge/interfaces"
	"github.com/treza-labs/enclave-bridge/transport"
)

// Exit codes form a contract with the enclave image's init: 1 is a
// fatal boot error, 2 is a spent connect retry budget.
const (
	exitOK            = 0
	exitFatalBoot     = 1
	exitConnectBudget = 2
)

var cliFlags = append([]cli.Flag{
	&cli.StringFlag{
		Name:  "manifest",
		Usage: "YAML workload manifest; when empty the manifest is resolved from the boot environment",
	},
	&cli.IntFlag{
		Name:  "connect-attempts",
		Value: 30,
		Usage: "connect retry budget before giving up on the parent",
	},
	&cli.DurationFlag{
		Name:  "connect-backoff",
		Value: 15 * time.Second,
		Usage: "wait between connect attempts",
	},
	&cli.DurationFlag{
		Name:  "heartbeat-interval",
		Value: 30 * time.Second,
		Usage: "interval between workload state heartbeats to the parent",
	},
	&cli.DurationFlag{
		Name:  "shutdown-grace",
		Value: 10 * time.Second,
		Usage: "SIGTERM-to-SIGKILL window when stopping the workload",
	},
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:   "enclave-supervisor",
		Usage:  "In-enclave supervisor: bridge agent, workload lifecycle and local proxies",
		Flags:  cliFlags,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			log.Printf("%v", err)
			os.Exit(exitErr.ExitCode())
		}
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	var manifest *interfaces.WorkloadManifest
	var err error
	if path := cCtx.String("manifest"); path != "" {
		manifest, err = interfaces.ManifestFromFile(path)
	} else {
		manifest, err = interfaces.ManifestFromEnv()
	}
	if err != nil {
		return cli.Exit("resolving workload manifest: "+err.Error(), exitFatalBoot)
	}

	logger := flags.SetupLogger(cCtx, "enclave-supervisor")
	if manifest.Debug {
		logger.Info("Debug mode enabled by manifest")
	}
	logger = logger.With("enclaveID", manifest.EnclaveID.String())

	// Nothing to supervise is a boot error, detected before any dial.
	if !manifest.HasUserCommand() {
		logger.Error("Manifest has no user command")
		return cli.Exit(interfaces.ErrNoUserCommand.Error(), exitFatalBoot)
	}

	cfg := flags.TransportConfig(cCtx)
	agent, err := enclave.NewAgent(enclave.AgentConfig{
		EnclaveID:         manifest.EnclaveID,
		ImageRef:          manifest.ImageRef,
		Dialer:            transport.NewDialer(cfg),
		MaxAttempts:       cCtx.Int("connect-attempts"),
		RetryBackoff:      cCtx.Duration("connect-backoff"),
		HeartbeatInterval: cCtx.Duration("heartbeat-interval"),
		Log:               logger,
	})
	if err != nil {
		return cli.Exit(err.Error(), exitFatalBoot)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := agent.Connect(ctx); err != nil {
		logger.Error("Parent unreachable", "err", err)
		if errors.Is(err, interfaces.ErrRetryBudgetExhausted) {
			return cli.Exit(err.Error(), exitConnectBudget)
		}
		return cli.Exit(err.Error(), exitFatalBoot)
	}
	defer agent.Close()

	if err := agent.Handshake(ctx, attestation.EnvProvider{}); err != nil {
		logger.Error("Bridge handshake failed", "err", err)
		return cli.Exit(err.Error(), exitFatalBoot)
	}

	supervisor, err := enclave.NewSupervisor(enclave.SupervisorConfig{
		Manifest:      manifest,
		Agent:         agent,
		Log:           logger,
		ShutdownGrace: cCtx.Duration("shutdown-grace"),
	})
	if err != nil {
		return cli.Exit(err.Error(), exitFatalBoot)
	}

	// Local helper servers: health endpoint plus the only network path
	// the workload has.
	health := enclave.NewHealthServer(supervisor, agent, logger)
	health.RunInBackground()
	egress := enclave.NewEgressProxy(agent, logger)
	egress.RunInBackground()
	kmsProxy := enclave.NewKMSProxy(agent, logger)
	kmsProxy.RunInBackground()

	// The dispatcher outlives the signal context: the final output
	// transfer and completion marker still need the connection.
	runCtx, cancel := context.WithCancel(context.Background())
	go agent.Run(runCtx, func() string { return supervisor.State().String() })

	finalState, runErr := supervisor.Run(ctx)
	logger.Info("Supervision finished", "state", finalState.String(), "err", runErr)

	// Replay the buffered workload output through the parent and mark
	// the session complete before tearing anything down. The dispatcher
	// is still running and routes the transfer frames.
	transferCtx, transferCancel := context.WithTimeout(context.Background(), time.Minute)
	if lines, truncated, err := agent.TransferOutput(transferCtx); err != nil {
		logger.Warn("Output transfer failed", "err", err)
	} else {
		logger.Info("Output transfer done", "lines", len(lines), "truncated", truncated)
	}
	transferCancel()

	agent.SendHeartbeat(finalState.String())
	if err := agent.Complete(); err != nil {
		logger.Warn("Completion marker failed", "err", err)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	health.Shutdown(shutdownCtx)
	egress.Shutdown(shutdownCtx)
	kmsProxy.Shutdown(shutdownCtx)

	if finalState == interfaces.StateFailed {
		msg := "workload failed"
		if runErr != nil {
			msg = runErr.Error()
		}
		return cli.Exit(msg, exitFatalBoot)
	}
	return nil
}
