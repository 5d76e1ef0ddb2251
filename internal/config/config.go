// Package config parses the command-line flags the service is invoked
// with (spec.md §6: "invoked as <program> --pipe <name>"). SPEC_FULL.md
// §10.3 adds --debug and --max-sessions, neither of which the distilled
// spec names, as ambient operational knobs every comparable daemon in the
// example pack exposes.
package config

import (
	"flag"
	"fmt"
)

// Config holds the resolved process configuration.
type Config struct {
	PipeName    string
	Debug       bool
	MaxSessions int
}

// Parse parses args (typically os.Args[1:]) into a Config.
func Parse(args []string) (Config, error) {
	fs := flag.NewFlagSet("nativeexecd", flag.ContinueOnError)
	pipe := fs.String("pipe", "", "name of the local endpoint to listen on (required)")
	debug := fs.Bool("debug", false, "enable debug-level structured logging")
	maxSessions := fs.Int("max-sessions", 0, "reject new connections beyond this many concurrent sessions (0 = unlimited)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if *pipe == "" {
		return Config{}, fmt.Errorf("config: --pipe is required")
	}
	if *maxSessions < 0 {
		return Config{}, fmt.Errorf("config: --max-sessions must be >= 0")
	}

	return Config{PipeName: *pipe, Debug: *debug, MaxSessions: *maxSessions}, nil
}
