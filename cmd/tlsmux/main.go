// Package main implements the tlsmux CLI tool.
//
// The tool exercises the slot multiplexer from the command line:
//
//	tlsmux stress -goroutines 1000 -slots 64   # Hammer slots, verify destructors
//	tlsmux info                                # Show capacity and runtime info
//
// It is mostly useful for checking a platform and Go release before
// depending on tlsmux, and for profiling the Get/Set path.
package main

import (
	"fmt"
	"os"

	"github.com/kolkov/tlsmux/tls"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "stress":
		os.Exit(stressCommand(os.Args[2:]))
	case "info":
		infoCommand()
	case "version", "--version", "-v":
		fmt.Printf("tlsmux version %s\n", tls.Version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`tlsmux - goroutine-local storage slots over one native key

USAGE:
    tlsmux <command> [arguments]

COMMANDS:
    stress     Run many managed goroutines over many slots and verify
               that every value is destroyed exactly once
    info       Show capacity, native keys and Go runtime support
    version    Show version information
    help       Show this help message

EXAMPLES:
    # Default stress run
    tlsmux stress

    # Larger run in notify mode with debug logging
    tlsmux stress -goroutines 10000 -slots 200 -mode notify -v

`)
}

// infoCommand implements 'tlsmux info'.
func infoCommand() {
	info := tls.GetInfo()
	fmt.Printf("tlsmux %s\n", info.Version)
	fmt.Printf("  slots per service: %d\n", info.Capacity)
	fmt.Printf("  native keys:       %d\n", info.NativeKeys)
	fmt.Printf("  go runtime:        %s\n", info.GoVersion)
	if !info.GoVerified {
		fmt.Println("  WARNING: goroutine identification not verified for this Go release")
	}
}
