// Package flags defines the command-line flags shared by the gateway
// commands, with environment-variable fallbacks for deployment.
package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/ruteri/space-encryption-gateway/common"
	"github.com/ruteri/space-encryption-gateway/httpserver"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool(LogDebugFlag.Name),
		JSON:    cCtx.Bool(LogJsonFlag.Name),
		Service: cCtx.String(LogServiceFlag.Name),
		Version: common.Version,
	})

	if cCtx.Bool(LogUidFlag.Name) {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger) *httpserver.HTTPServerConfig {
	return &httpserver.HTTPServerConfig{
		ListenAddr:               cCtx.String(ListenAddrFlag.Name),
		MetricsAddr:              cCtx.String(MetricsAddrFlag.Name),
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		CORSOrigins:              cCtx.StringSlice(CORSOriginsFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var ListenAddrFlag = &cli.StringFlag{
	Name:    "listen-addr",
	Value:   "127.0.0.1:8080",
	Usage:   "address to listen on for API",
	EnvVars: []string{"GATEWAY_LISTEN_ADDR"},
}

var MetricsAddrFlag = &cli.StringFlag{
	Name:    "metrics-addr",
	Value:   "127.0.0.1:8090",
	Usage:   "address to listen on for Prometheus metrics",
	EnvVars: []string{"GATEWAY_METRICS_ADDR"},
}

var CORSOriginsFlag = &cli.StringSliceFlag{
	Name:    "cors-origin",
	Usage:   "allowed CORS origin (repeatable); none disables CORS handling",
	EnvVars: []string{"GATEWAY_CORS_ORIGINS"},
}

var ServiceDIDFlag = &cli.StringFlag{
	Name:     "service-did",
	Required: true,
	Usage:    "DID of this service; invocations must be addressed to it",
	EnvVars:  []string{"GATEWAY_SERVICE_DID"},
}

var TrustAnchorFlag = &cli.StringSliceFlag{
	Name:    "trust-anchor",
	Usage:   "additional DID accepted as a delegation chain root (repeatable)",
	EnvVars: []string{"GATEWAY_TRUST_ANCHORS"},
}

var KMSProjectFlag = &cli.StringFlag{
	Name:     "kms-project",
	Required: true,
	Usage:    "KMS backend project identifier",
	EnvVars:  []string{"GATEWAY_KMS_PROJECT"},
}

var KMSLocationFlag = &cli.StringFlag{
	Name:    "kms-location",
	Value:   "global",
	Usage:   "KMS backend location",
	EnvVars: []string{"GATEWAY_KMS_LOCATION"},
}

var KMSKeyRingFlag = &cli.StringFlag{
	Name:     "kms-keyring",
	Required: true,
	Usage:    "KMS key ring holding the space keys",
	EnvVars:  []string{"GATEWAY_KMS_KEYRING"},
}

var KMSBaseURLFlag = &cli.StringFlag{
	Name:    "kms-base-url",
	Usage:   "override the KMS backend endpoint (for testing)",
	EnvVars: []string{"GATEWAY_KMS_BASE_URL"},
}

var KMSTokenFlag = &cli.StringFlag{
	Name:    "kms-token",
	Usage:   "static bearer token for the KMS backend; wins over the service account",
	EnvVars: []string{"GATEWAY_KMS_TOKEN"},
}

var KMSServiceAccountEmailFlag = &cli.StringFlag{
	Name:    "kms-service-account",
	Usage:   "service account email for KMS backend auth",
	EnvVars: []string{"GATEWAY_KMS_SERVICE_ACCOUNT"},
}

var KMSServiceAccountKeyFileFlag = &cli.StringFlag{
	Name:    "kms-service-account-key-file",
	Usage:   "path to the service account's PEM private key",
	EnvVars: []string{"GATEWAY_KMS_SERVICE_ACCOUNT_KEY_FILE"},
}

var RevocationOracleFlag = &cli.StringFlag{
	Name:    "revocation-oracle",
	Usage:   "base URL of the revocation oracle; unset fails decrypt requests closed",
	EnvVars: []string{"GATEWAY_REVOCATION_ORACLE"},
}

var EntitlementURLFlag = &cli.StringFlag{
	Name:    "entitlement-url",
	Usage:   "base URL of the entitlement service; unset treats every space as entitled",
	EnvVars: []string{"GATEWAY_ENTITLEMENT_URL"},
}

var AuditSinkFlag = &cli.StringFlag{
	Name:    "audit-sink",
	Value:   "log://",
	Usage:   "audit sink location: log://, file:///path, or s3://bucket/prefix",
	EnvVars: []string{"GATEWAY_AUDIT_SINK"},
}

var RateLimitStoreFlag = &cli.StringFlag{
	Name:    "rate-limit-store",
	Usage:   "rate limiter store: redis://host:port/db or memory:// (default)",
	EnvVars: []string{"GATEWAY_RATE_LIMIT_STORE"},
}

var RateLimitMaxFlag = &cli.Int64Flag{
	Name:    "rate-limit-max",
	Value:   120,
	Usage:   "requests allowed per space per window",
	EnvVars: []string{"GATEWAY_RATE_LIMIT_MAX"},
}

var RateLimitWindowFlag = &cli.DurationFlag{
	Name:    "rate-limit-window",
	Value:   time.Minute,
	Usage:   "rate limit window length",
	EnvVars: []string{"GATEWAY_RATE_LIMIT_WINDOW"},
}

var LogJsonFlag = &cli.BoolFlag{
	Name:    "log-json",
	Value:   false,
	Usage:   "log in JSON format",
	EnvVars: []string{"GATEWAY_LOG_JSON"},
}

var LogDebugFlag = &cli.BoolFlag{
	Name:    "log-debug",
	Value:   false,
	Usage:   "log debug messages",
	EnvVars: []string{"GATEWAY_LOG_DEBUG"},
}

var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlag = &cli.StringFlag{
	Name:    "log-service",
	Value:   common.PackageName,
	Usage:   "add 'service' tag to logs",
	EnvVars: []string{"GATEWAY_LOG_SERVICE"},
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}

var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}
