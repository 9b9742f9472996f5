//go:build !linux

package child

import (
	"fmt"
	"os"

	"workbench/internal/sandbox/privilege"
)

// RunSandboxStage is only meaningful on linux.
func RunSandboxStage(p privilege.Provider) {
	fmt.Fprintln(os.Stderr, "sandboxed children are only supported on linux")
	os.Exit(ExitSandboxSetup)
}

// RunEntryStage is only meaningful on linux.
func RunEntryStage(p privilege.Provider) {
	fmt.Fprintln(os.Stderr, "sandboxed children are only supported on linux")
	os.Exit(ExitSandboxSetup)
}
