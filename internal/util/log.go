package util

import (
	"fmt"
	"os"
)

const SELF_NAME = "adfscreds"

var IsTraceEnabled bool

// Write emits a diagnostic to stderr with the program name prefix.
func Write(format string, msg ...interface{}) {
	fmt.Fprintf(os.Stderr, "%s: %s", SELF_NAME, fmt.Sprintf(format, msg...))
}

func Writeln(format string, msg ...interface{}) {
	fmt.Fprintf(os.Stderr, "%s: %s\n", SELF_NAME, fmt.Sprintf(format, msg...))
}

func Traceln(format string, msg ...interface{}) {
	if IsTraceEnabled {
		Writeln(format, msg...)
	}
}

// Exit reports a fatal error and terminates with a non-zero status.
func Exit(err error) {
	if err != nil {
		Writeln(err.Error())
	}
	os.Exit(1)
}
