// Package flags holds the CLI flags shared by the bridge binaries.
package flags

import (
	"log/slog"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/treza-labs/enclave-bridge/common"
	"github.com/treza-labs/enclave-bridge/transport"
)

// SetupLogger builds the process logger from the common logging flags.
func SetupLogger(cCtx *cli.Context, service string) *slog.Logger {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool(LogDebugFlag.Name),
		JSON:    cCtx.Bool(LogJsonFlag.Name),
		Service: service,
		Version: common.Version,
	})

	if cCtx.Bool(LogUidFlag.Name) {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// TransportConfig builds the channel configuration from the transport
// flags.
func TransportConfig(cCtx *cli.Context) transport.Config {
	return transport.Config{
		Mode:    cCtx.String(TransportModeFlag.Name),
		Port:    uint32(cCtx.Uint(VsockPortFlag.Name)),
		HostCID: uint32(cCtx.Uint(VsockCIDFlag.Name)),
		TCPAddr: cCtx.String(TCPAddrFlag.Name),
	}.WithDefaults()
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics, empty to disable",
}

var TransportModeFlag = &cli.StringFlag{
	Name:  "transport",
	Value: transport.ModeVsock,
	Usage: "bridge transport: 'vsock' or 'tcp' (tcp is for local development)",
}
var VsockPortFlag = &cli.UintFlag{
	Name:  "vsock-port",
	Value: transport.DefaultPort,
	Usage: "vsock port the bridge listens and dials on",
}
var VsockCIDFlag = &cli.UintFlag{
	Name:  "vsock-cid",
	Value: transport.DefaultHostCID,
	Usage: "parent context id the enclave dials",
}
var TCPAddrFlag = &cli.StringFlag{
	Name:  "tcp-addr",
	Value: "",
	Usage: "host:port for tcp transport mode",
}

var RegionFlag = &cli.StringFlag{
	Name:    "region",
	Value:   "us-west-2",
	Usage:   "AWS region for CloudWatch Logs, SSM and KMS",
	EnvVars: []string{"AWS_REGION"},
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	TransportModeFlag,
	VsockPortFlag,
	VsockCIDFlag,
	TCPAddrFlag,
}
