// Command loadtest drives a running chat relay with simulated users:
//
//   - saturate:  open N idle connections and hold them
//   - chat:      pairs of users join a room and exchange messages
//   - reconnect: one user of each pair drops and resumes, and the
//     backfill is checked for gaps
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "reconnect":
		runReconnect(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test, opens N idle connections")
	fmt.Println("  chat        Pairs of users join a room and exchange messages")
	fmt.Println("  reconnect   Pairs exchange messages while one side drops and resumes")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

// runID tags the users and rooms of one run so repeated runs do not collide.
func runID() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36)
}
