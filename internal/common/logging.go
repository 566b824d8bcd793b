package common

import (
	"io"
	"log"
	"os"
)

var (
	logger = log.New(os.Stderr, "[hsmgate] ", log.LstdFlags|log.Lmicroseconds)
)

// SetLogOutput redirects the package logger, typically to a rotating file
// writer owned by the daemon.
func SetLogOutput(w io.Writer) {
	if w == nil {
		return
	}
	logger.SetOutput(w)
}

func Logf(format string, args ...interface{}) {
	logger.Printf(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	logger.Fatalf(format, args...)
}
