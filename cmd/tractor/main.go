// tractor signs, hashes and verifies blueprints, and serves a controller's
// delegated verification endpoint.
//
//	tractor keygen
//	tractor hash   --config tractor.yaml --blueprint bp.yaml
//	tractor sign   --config tractor.yaml --blueprint bp.yaml --out bp.cbor
//	tractor verify --config tractor.yaml --in bp.cbor
//	tractor serve  --config tractor.yaml
package main

import (
	"errors"
	"fmt"
	"os"
)

const usage = `usage: tractor <command> [flags]

commands:
  keygen   generate a signing key and print its WIF and address
  hash     print the canonical hash of a blueprint
  sign     sign a blueprint and write it as CBOR
  verify   verify a signed blueprint file against the configured
           instance, its ledger's attestations and its delegates
  serve    serve delegated verification and metrics over HTTP
`

var errUsage = errors.New("invalid usage")

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	command, rest := args[0], args[1:]
	switch command {
	case "keygen":
		return runKeygen(rest)
	case "hash":
		return runHash(rest)
	case "sign":
		return runSign(rest)
	case "verify":
		return runVerify(rest)
	case "serve":
		return runServe(rest)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
}
