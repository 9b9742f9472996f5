//go:build !linux

package forkserver

import (
	"fmt"
	"os"
)

// StageArg selects the forkserver stage through argv[1].
const StageArg = "--workbench-stage=forkserver"

// Dispatch reports whether a stage ran; stages need Linux.
func Dispatch() bool {
	if len(os.Args) > 1 && os.Args[1] == StageArg {
		fmt.Fprintln(os.Stderr, "forkserver requires linux")
		os.Exit(1)
	}
	return false
}

// Main fails on platforms without namespaces.
func Main() {
	fmt.Fprintln(os.Stderr, "forkserver requires linux")
	os.Exit(1)
}
