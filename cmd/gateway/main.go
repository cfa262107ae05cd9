// The gateway command serves the space encryption API: capability-gated
// key setup and symmetric-key decrypt against a remote KMS backend.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/space-encryption-gateway/audit"
	"github.com/ruteri/space-encryption-gateway/capability"
	"github.com/ruteri/space-encryption-gateway/cmd/flags"
	"github.com/ruteri/space-encryption-gateway/entitlement"
	"github.com/ruteri/space-encryption-gateway/httpserver"
	"github.com/ruteri/space-encryption-gateway/interfaces"
	"github.com/ruteri/space-encryption-gateway/kmsbackend"
	"github.com/ruteri/space-encryption-gateway/pipeline"
	"github.com/ruteri/space-encryption-gateway/rate"
	"github.com/ruteri/space-encryption-gateway/revocation"
)

var appFlags = append([]cli.Flag{
	flags.ListenAddrFlag,
	flags.CORSOriginsFlag,
	flags.ServiceDIDFlag,
	flags.TrustAnchorFlag,
	flags.KMSProjectFlag,
	flags.KMSLocationFlag,
	flags.KMSKeyRingFlag,
	flags.KMSBaseURLFlag,
	flags.KMSTokenFlag,
	flags.KMSServiceAccountEmailFlag,
	flags.KMSServiceAccountKeyFileFlag,
	flags.RevocationOracleFlag,
	flags.EntitlementURLFlag,
	flags.AuditSinkFlag,
	flags.RateLimitStoreFlag,
	flags.RateLimitMaxFlag,
	flags.RateLimitWindowFlag,
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:   "gateway",
		Usage:  "Serve the space encryption gateway API",
		Flags:  appFlags,
		Action: runGateway,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runGateway(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	authOpts := kmsbackend.AuthOptions{
		Token:               cCtx.String(flags.KMSTokenFlag.Name),
		ServiceAccountEmail: cCtx.String(flags.KMSServiceAccountEmailFlag.Name),
		ProjectID:           cCtx.String(flags.KMSProjectFlag.Name),
	}
	if keyFile := cCtx.String(flags.KMSServiceAccountKeyFileFlag.Name); keyFile != "" {
		keyPEM, err := os.ReadFile(keyFile)
		if err != nil {
			return fmt.Errorf("reading service account key: %w", err)
		}
		authOpts.ServiceAccountKeyPEM = string(keyPEM)
	}
	auth, err := kmsbackend.ResolveAuth(authOpts)
	if err != nil {
		return err
	}

	backend, err := kmsbackend.NewClient(kmsbackend.Config{
		ProjectID: cCtx.String(flags.KMSProjectFlag.Name),
		Location:  cCtx.String(flags.KMSLocationFlag.Name),
		KeyRing:   cCtx.String(flags.KMSKeyRingFlag.Name),
		BaseURL:   cCtx.String(flags.KMSBaseURLFlag.Name),
		Auth:      auth,
		Log:       logger,
	})
	if err != nil {
		return err
	}
	defer backend.Close()

	var anchors []interfaces.DID
	for _, anchor := range cCtx.StringSlice(flags.TrustAnchorFlag.Name) {
		anchors = append(anchors, interfaces.DID(anchor))
	}
	authority := capability.NewAuthority(interfaces.DID(cCtx.String(flags.ServiceDIDFlag.Name)), anchors)
	validator := capability.NewValidator(authority, logger)

	revocations := revocation.NewChecker(cCtx.String(flags.RevocationOracleFlag.Name), logger)
	entitlements := entitlement.NewClient(cCtx.String(flags.EntitlementURLFlag.Name), logger)

	auditSink, err := audit.NewFactory(logger).SinkFor(cCtx.String(flags.AuditSinkFlag.Name))
	if err != nil {
		return err
	}
	defer func() {
		if err := auditSink.Close(); err != nil {
			logger.Error("Failed to close audit sink", "err", err)
		}
	}()

	limiter, err := rate.NewLimiter(
		cCtx.String(flags.RateLimitStoreFlag.Name),
		cCtx.Int64(flags.RateLimitMaxFlag.Name),
		cCtx.Duration(flags.RateLimitWindowFlag.Name),
		logger)
	if err != nil {
		return err
	}

	p := pipeline.New(validator, entitlements, revocations, backend, auditSink, logger)
	handler := httpserver.NewHandler(p, limiter, logger)

	srv, err := httpserver.New(flags.ConfigureServer(cCtx, logger), handler)
	if err != nil {
		return err
	}

	srv.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit
	logger.Info("Shutting down")
	srv.Shutdown()
	return nil
}
