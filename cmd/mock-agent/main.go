// Package main implements a mock agent CLI that speaks the stream-json
// protocol the wrapper supervises. It runs one turn per invocation: parse
// the prompt from the arguments, emit a canned event sequence on stdout,
// exit. Build it as the worker image's agent binary to run the full stack
// without a real agent CLI.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

func main() {
	args, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(2)
	}

	enc := json.NewEncoder(os.Stdout)
	exitCode := runTurn(enc, args)
	os.Exit(exitCode)
}

// turnArgs is the subset of the agent CLI surface the wrapper drives.
// Unknown flags are ignored so profile additions don't break the mock.
type turnArgs struct {
	Prompt   string
	ResumeID string
	Workdir  string
}

func parseArgs(argv []string) (turnArgs, error) {
	var args turnArgs
	for i := 0; i < len(argv); i++ {
		switch argv[i] {
		case "-p", "--prompt":
			if i+1 >= len(argv) {
				return args, fmt.Errorf("missing value for %s", argv[i])
			}
			i++
			args.Prompt = argv[i]
		case "--resume":
			if i+1 >= len(argv) {
				return args, fmt.Errorf("missing value for --resume")
			}
			i++
			args.ResumeID = argv[i]
		case "--cwd":
			if i+1 >= len(argv) {
				return args, fmt.Errorf("missing value for --cwd")
			}
			i++
			args.Workdir = argv[i]
		default:
			if v, ok := strings.CutPrefix(argv[i], "--resume="); ok {
				args.ResumeID = v
			} else if v, ok := strings.CutPrefix(argv[i], "--cwd="); ok {
				args.Workdir = v
			}
		}
	}
	if args.Prompt == "" {
		return args, fmt.Errorf("no prompt given (-p)")
	}
	return args, nil
}
