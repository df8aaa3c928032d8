package logflags

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var debugger = false
var ptrace = false

var logOut io.Writer = os.Stderr

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New()
	logger.Out = logOut
	logger.Formatter = &logrus.TextFormatter{
		DisableTimestamp: true,
	}
	logger.Level = logrus.DebugLevel
	if !flag {
		logger.Level = logrus.PanicLevel
	}
	return logger.WithFields(fields)
}

// Debugger returns true if the debugger package should log.
func Debugger() bool {
	return debugger
}

// DebuggerLogger returns a logger for the breakpoint / execution controller
// layer.
func DebuggerLogger() *logrus.Entry {
	return makeLogger(debugger, logrus.Fields{"layer": "debugger"})
}

// Ptrace returns true if every ptrace request should be logged.
func Ptrace() bool {
	return ptrace
}

// PtraceLogger returns a logger for the ptrace server.
func PtraceLogger() *logrus.Entry {
	return makeLogger(ptrace, logrus.Fields{"layer": "ptrace"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets layer flags based on the contents of logstr.  Loggers created
// before Setup is called keep their previous configuration.
func Setup(logFlag bool, logstr string, out io.Writer) error {
	if out != nil {
		logOut = out
	}

	if !logFlag {
		debugger = false
		ptrace = false
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}

	if logstr == "" {
		logstr = "debugger"
	}

	for _, logcmd := range strings.Split(logstr, ",") {
		switch strings.TrimSpace(logcmd) {
		case "debugger":
			debugger = true
		case "ptrace":
			ptrace = true
		default:
			return fmt.Errorf("unknown log layer: %s", logcmd)
		}
	}
	return nil
}
