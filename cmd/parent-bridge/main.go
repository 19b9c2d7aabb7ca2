package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/treza-labs/enclave-bridge/attestation"
	"github.com/treza-labs/enclave-bridge/cmd/flags"
	"github.com/treza-labs/enclave-bridge/common"
	"github.com/treza-labs/enclave-bridge/interfaces"
	"github.com/treza-labs/enclave-bridge/logsink"
	"github.com/treza-labs/enclave-bridge/metrics"
	"github.com/treza-labs/enclave-bridge/paramstore"
	"github.com/treza-labs/enclave-bridge/parent"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"
)

var cliFlags = append([]cli.Flag{
	&cli.StringFlag{
		Name:    "enclave-id",
		Usage:   "enclave identifier; names the log group and status parameter",
		EnvVars: []string{interfaces.EnvEnclaveID},
	},
	&cli.StringFlag{
		Name:    "allowed-services",
		Usage:   "comma-separated AWS services the enclave may reach (empty denies all egress)",
		EnvVars: []string{interfaces.EnvAllowedServices},
	},
	&cli.IntFlag{
		Name:  "max-transfer-lines",
		Value: 20,
		Usage: "output transfer line cap; hitting it emits an explicit truncation marker",
	},
	&cli.DurationFlag{
		Name:  "read-timeout",
		Value: 5 * time.Minute,
		Usage: "idle read timeout per enclave connection",
	},
	&cli.BoolFlag{
		Name:  "local",
		Value: false,
		Usage: "development mode: in-memory log sink and status register, no AWS clients",
	},
	&cli.BoolFlag{
		Name:  "describe-measurements",
		Value: false,
		Usage: "log the running enclave's PCR digests via nitro-cli at startup",
	},
	flags.MetricsAddrFlag,
	flags.RegionFlag,
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:   "parent-bridge",
		Usage:  "Host-side bridge for a network-isolated Nitro enclave",
		Flags:  cliFlags,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx, "parent-bridge")

	enclaveID, err := interfaces.NewEnclaveID(cCtx.String("enclave-id"))
	if err != nil {
		logger.Error("Invalid enclave id", "err", err)
		return err
	}

	m := metrics.New(common.PackageName)

	var (
		sink      interfaces.LogSink
		status    interfaces.StatusRegister
		kmsClient kmsiface.KMSAPI
	)
	if cCtx.Bool("local") {
		logger.Info("Local mode: using in-memory sink and status register")
		sink = logsink.NewMemorySink()
		status = paramstore.NewMemoryRegister()
	} else {
		region := cCtx.String(flags.RegionFlag.Name)
		cwClient, err := logsink.NewClient(region)
		if err != nil {
			logger.Error("CloudWatch Logs client init failed", "err", err)
			return err
		}
		sink = logsink.NewCloudWatchSink(cwClient, enclaveID, logger, m)

		ssmClient, err := paramstore.NewClient(region)
		if err != nil {
			logger.Error("SSM client init failed", "err", err)
			return err
		}
		status = paramstore.NewSSMRegister(ssmClient, logger)

		sess, err := session.NewSession(aws.NewConfig().WithRegion(region))
		if err != nil {
			logger.Error("AWS session init failed", "err", err)
			return err
		}
		kmsClient = kms.New(sess)
	}

	if cCtx.Bool("describe-measurements") {
		digests, err := (attestation.NitroCLIProvider{}).Measurements()
		if err != nil {
			logger.Warn("Reading enclave measurements via nitro-cli failed", "err", err)
		} else {
			for i, register := range interfaces.MeasurementRegisters {
				logger.Info("Enclave measurement", "register", register, "digest", digests[i])
			}
		}
	}

	allowedServices := splitCSV(cCtx.String("allowed-services"))
	forwarder := parent.NewForwarder(
		&http.Client{Timeout: 55 * time.Second}, kmsClient, allowedServices, logger)

	bridge, err := parent.New(parent.Config{
		EnclaveID:        enclaveID,
		Transport:        flags.TransportConfig(cCtx),
		ReadTimeout:      cCtx.Duration("read-timeout"),
		MaxTransferLines: cCtx.Int("max-transfer-lines"),
		AllowedServices:  allowedServices,
		Log:              logger,
		Sink:             sink,
		Status:           status,
		Metrics:          m,
		Forwarder:        forwarder,
	})
	if err != nil {
		logger.Error("Bridge init failed", "err", err)
		return err
	}

	if err := bridge.Listen(); err != nil {
		// A bound port is fatal: the enclave dials a fixed port.
		logger.Error("Bridge listen failed", "err", err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bridge.RunInBackground(ctx)

	var metricsSrv *metrics.Server
	if addr := cCtx.String(flags.MetricsAddrFlag.Name); addr != "" {
		metricsSrv = metrics.NewServer(m, addr)
		go func() {
			logger.Info("Starting metrics server", "metricsAddress", addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "err", err)
			}
		}()
	}

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	logger.Info("Parent bridge is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := bridge.Shutdown(shutdownCtx); err != nil {
		logger.Error("Bridge shutdown incomplete", "err", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown failed", "err", err)
		}
	}
	logger.Info("Parent bridge stopped")
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
