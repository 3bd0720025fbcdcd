// Command inspector decodes an X-Payment header value and prints the
// authorization it carries. Given the token contract and signing domain it
// also recovers the signer, which answers the usual debugging question:
// who actually signed this, and does it match the claimed payer?
//
// Usage:
//
//	inspector -payment <base64> [-chain-id 84532 -token 0x.. -name USDC -version 2]
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/paygate-labs/paygate/internal/model"
	"github.com/paygate-labs/paygate/internal/signer"
)

func main() {
	payment := flag.String("payment", "", "base64 X-Payment value; '-' reads stdin")
	chainID := flag.Int64("chain-id", 84532, "EIP-155 chain id for signature recovery")
	token := flag.String("token", "", "payment token contract address")
	name := flag.String("name", "", "EIP-712 domain name of the token")
	version := flag.String("version", "", "EIP-712 domain version of the token")
	flag.Parse()

	raw := *payment
	if raw == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fatal("failed to read stdin: %v", err)
		}
		raw = strings.TrimSpace(string(data))
	}
	if raw == "" {
		flag.Usage()
		os.Exit(2)
	}

	payload, err := model.DecodePayment(raw)
	if err != nil {
		fatal("decode failed: %v", err)
	}

	out, _ := json.MarshalIndent(payload, "", "  ")
	fmt.Println(string(out))

	if err := payload.Validate(); err != nil {
		fmt.Printf("\nstructural check: FAILED (%v)\n", err)
		os.Exit(1)
	}
	fmt.Println("\nstructural check: ok")

	if *token == "" {
		fmt.Println("signature check: skipped (pass -token, -name and -version to recover the signer)")
		return
	}
	if !common.IsHexAddress(*token) {
		fatal("invalid token address %q", *token)
	}

	v := signer.NewVerifier(*chainID)
	domain := model.SigningDomain{Name: *name, Version: *version}
	recovered, err := v.Recover(&payload.Payload.Authorization, payload.Payload.Signature, common.HexToAddress(*token), domain)
	if err != nil {
		fatal("signature recovery failed: %v", err)
	}

	fmt.Printf("recovered signer: %s\n", recovered.Hex())
	if strings.EqualFold(recovered.Hex(), payload.Payload.Authorization.From) {
		fmt.Println("signature check: ok (matches authorization.from)")
	} else {
		fmt.Printf("signature check: MISMATCH (authorization.from is %s)\n", payload.Payload.Authorization.From)
		os.Exit(1)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
