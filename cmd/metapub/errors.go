package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

// FatalError writes an error message to stderr and exits with code 1.
func FatalError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "%s "+format+"\n", append([]interface{}{color.RedString("Error:")}, args...)...)
	os.Exit(1)
}

// FatalErrorWithHint writes an error message with an actionable hint and exits.
func FatalErrorWithHint(message, hint string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), message)
	fmt.Fprintf(os.Stderr, "%s %s\n", color.CyanString("Hint:"), hint)
	os.Exit(1)
}

// WarnError writes a warning message to stderr and returns.
func WarnError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "%s "+format+"\n", append([]interface{}{color.YellowString("Warning:")}, args...)...)
}
