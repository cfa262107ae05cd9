// The invoke command builds and sends setup or decrypt invocations to a
// running gateway, for development and smoke testing.
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/space-encryption-gateway/interfaces"
)

var (
	gatewayFlag = &cli.StringFlag{
		Name:    "gateway",
		Value:   "http://127.0.0.1:8080",
		Usage:   "base URL of the gateway",
		EnvVars: []string{"GATEWAY_URL"},
	}
	spaceFlag = &cli.StringFlag{
		Name:     "space",
		Required: true,
		Usage:    "space DID (did:key:...)",
	}
	issuerFlag = &cli.StringFlag{
		Name:     "issuer",
		Required: true,
		Usage:    "DID issuing the invocation",
	}
	audienceFlag = &cli.StringFlag{
		Name:     "audience",
		Required: true,
		Usage:    "DID of the gateway service",
	}
	proofsFlag = &cli.StringFlag{
		Name:  "proofs-file",
		Usage: "JSON file with the delegation proof chain",
	}
	ciphertextFlag = &cli.StringFlag{
		Name:  "ciphertext",
		Usage: "base64 ciphertext of the space-encrypted symmetric key",
	}
)

// Wire envelopes mirroring the gateway's request format.
type proofEnvelope struct {
	Issuer       string                  `json:"iss"`
	Audience     string                  `json:"aud"`
	Capabilities []interfaces.Capability `json:"att"`
	Expiration   int64                   `json:"exp,omitempty"`
	Proofs       []proofEnvelope         `json:"prf,omitempty"`
}

type invocationRequest struct {
	Invocation struct {
		Issuer       string                  `json:"iss"`
		Audience     string                  `json:"aud"`
		Capabilities []interfaces.Capability `json:"att"`
		Proofs       []proofEnvelope         `json:"prf,omitempty"`
	} `json:"invocation"`
	Ciphertext string `json:"ciphertext,omitempty"`
}

func main() {
	app := &cli.App{
		Name:  "invoke",
		Usage: "Send capability invocations to the encryption gateway",
		Commands: []*cli.Command{
			{
				Name:  "setup",
				Usage: "Create or retrieve the space's encryption key",
				Flags: []cli.Flag{gatewayFlag, spaceFlag, issuerFlag, audienceFlag, proofsFlag},
				Action: func(cCtx *cli.Context) error {
					return send(cCtx, interfaces.EncryptionSetupAbility, "encryption/setup", "")
				},
			},
			{
				Name:  "decrypt",
				Usage: "Decrypt a space-encrypted symmetric key",
				Flags: []cli.Flag{gatewayFlag, spaceFlag, issuerFlag, audienceFlag, proofsFlag, ciphertextFlag},
				Action: func(cCtx *cli.Context) error {
					ciphertext := cCtx.String(ciphertextFlag.Name)
					if ciphertext == "" {
						return fmt.Errorf("--ciphertext is required for decrypt")
					}
					if _, err := base64.StdEncoding.DecodeString(ciphertext); err != nil {
						return fmt.Errorf("ciphertext must be base64: %w", err)
					}
					return send(cCtx, interfaces.KeyDecryptAbility, "encryption/key/decrypt", ciphertext)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func send(cCtx *cli.Context, can interfaces.Ability, operation, ciphertext string) error {
	space, err := interfaces.NewSpaceDID(cCtx.String(spaceFlag.Name))
	if err != nil {
		return err
	}

	var req invocationRequest
	req.Invocation.Issuer = cCtx.String(issuerFlag.Name)
	req.Invocation.Audience = cCtx.String(audienceFlag.Name)
	req.Invocation.Capabilities = []interfaces.Capability{{Can: can, With: space.String()}}
	req.Ciphertext = ciphertext

	if proofsFile := cCtx.String(proofsFlag.Name); proofsFile != "" {
		data, err := os.ReadFile(proofsFile)
		if err != nil {
			return fmt.Errorf("reading proofs file: %w", err)
		}
		if err := json.Unmarshal(data, &req.Invocation.Proofs); err != nil {
			return fmt.Errorf("parsing proofs file: %w", err)
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/api/space/%s/%s", cCtx.String(gatewayFlag.Name), space.String(), operation)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("could not reach gateway: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}

	fmt.Println(string(respBody))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
	return nil
}
