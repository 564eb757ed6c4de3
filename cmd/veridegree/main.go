package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		printUsage()
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cli := NewCLI(os.Stdout, os.Stderr)
	defer cli.Close()

	var err error
	args := os.Args[2:]

	switch os.Args[1] {
	case "setup":
		err = cli.Setup(args)
	case "circuits":
		err = cli.Circuits(args)
	case "credential":
		err = cli.Credential(ctx, args)
	case "prove":
		err = cli.Prove(ctx, args)
	case "verify":
		err = cli.Verify(ctx, args)
	case "link":
		err = cli.Link(args)
	case "serve":
		err = cli.Serve(ctx, args)
	case "help", "-h", "--help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		return 1
	}

	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `veridegree - zero-knowledge degree disclosures

Usage:
  veridegree <command> [flags]

Commands:
  setup        Generate and publish circuit artifacts
  circuits     List published circuits
  credential   Manage credentials (add, revoke)
  prove        Generate a disclosure bundle for a credential
  verify       Verify a disclosure bundle file
  link         Print a share link and optional QR code for a bundle
  serve        Run the verification HTTP server
  help         Show this help

Every command accepts -config <path> and -log-level <level>.
The vault passphrase is read from VERIDEGREE_VAULT_PASSPHRASE.`)
}
