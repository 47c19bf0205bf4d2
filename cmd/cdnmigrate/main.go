package main

import (
	"fmt"
	"os"
)

// Exit codes
const (
	ExitSuccess          = 0
	ExitGeneralError     = 1
	ExitSettlementFailed = 2
	ExitInvalidArgs      = 3
	ExitInputError       = 4
	ExitStorageError     = 5
	ExitDatabaseError    = 6
	ExitLocked           = 7
	ExitVerifyFailed     = 8
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "migrate":
		return runMigrate(cmdArgs)
	case "plan":
		return runPlan(cmdArgs)
	case "verify":
		return runVerify(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: cdnmigrate <command> [options]

Commands:
  migrate   Copy audio files to the CDN bucket and point the database at them
  plan      Print the destination of every row without touching anything
  verify    Check that every row's destination object exists in the bucket

Run 'cdnmigrate <command> -h' for command-specific help.`)
}
