package main

import (
	"fmt"
	"io"
	"os"
)

var version = "0.1.0-dev"

const usage = `usage:
  dictactl profiles <list|active|create|update|delete|activate|deactivate> [flags]
  dictactl command <start|stop|toggle|retry|status> [-config path]
  dictactl journal [-config path] [-limit n]
  dictactl version`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, usage)
		return 2
	}

	switch args[0] {
	case "profiles":
		return runProfiles(args[1:], stdout, stderr)
	case "command":
		return runCommand(args[1:], stdout, stderr)
	case "journal":
		return runJournal(args[1:], stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, version)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n%s\n", args[0], usage)
		return 2
	}
}
