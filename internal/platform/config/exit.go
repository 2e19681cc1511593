package config

import (
	"fmt"
	"io"
	"os"
)

// exit is swapped in tests that cannot fork a subprocess.
var (
	osExit = os.Exit
	exit   = osExit
)

// ExitOnError terminates the process when err is non-nil, prefixing the
// message with the failing step.
func ExitOnError(step string, err error) {
	if err == nil {
		return
	}
	exitTo(os.Stderr, 1, "%s: %v", step, err)
}

func exitTo(w io.Writer, code int, format string, args ...any) {
	fmt.Fprintf(w, format+"\n", args...)
	exit(code)
}
