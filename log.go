package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/realcr/cswitch/channeldb"
	"github.com/realcr/cswitch/channeler"
	"github.com/realcr/cswitch/connpool"
	"github.com/realcr/cswitch/funder"
	"github.com/realcr/cswitch/keepalive"
	"github.com/realcr/cswitch/securechannel"
	"github.com/realcr/cswitch/tokenchannel"
)

// logWriter implements an io.Writer that outputs to both standard output
// and the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

var (
	// backendLog is the logging backend used to create all subsystem
	// loggers. The backend must not be used before the log rotator has
	// been initialized, or data races and/or nil pointer dereferences
	// will occur.
	backendLog = btclog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs. It should be closed on
	// application shutdown.
	logRotator *rotator.Rotator

	srvrLog = backendLog.Logger("SRVR")
	chanLog = backendLog.Logger("CHAN")
	chdbLog = backendLog.Logger("CHDB")
	cnplLog = backendLog.Logger("CNPL")
	scrtLog = backendLog.Logger("SCRT")
	kpalLog = backendLog.Logger("KPAL")
	toknLog = backendLog.Logger("TOKN")
	fndrLog = backendLog.Logger("FNDR")
)

// Initialize package-global logger variables.
func init() {
	channeldb.UseLogger(chdbLog)
	channeler.UseLogger(chanLog)
	connpool.UseLogger(cnplLog)
	securechannel.UseLogger(scrtLog)
	keepalive.UseLogger(kpalLog)
	tokenchannel.UseLogger(toknLog)
	funder.UseLogger(fndrLog)
}

// subsystemLoggers maps each subsystem identifier to its associated
// logger.
var subsystemLoggers = map[string]btclog.Logger{
	"SRVR": srvrLog,
	"CHAN": chanLog,
	"CHDB": chdbLog,
	"CNPL": cnplLog,
	"SCRT": scrtLog,
	"KPAL": kpalLog,
	"TOKN": toknLog,
	"FNDR": fndrLog,
}

// initLogRotator initializes the logging rotator to write logs to logFile
// and create roll files in the same directory. It must be called before
// the package-global log rotator variables are used.
func initLogRotator(logFile string) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %v", err)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %v", err)
	}

	logRotator = r
	return nil
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level.
func setLogLevels(logLevel string) error {
	level, ok := btclog.LevelFromString(logLevel)
	if !ok {
		return fmt.Errorf("invalid log level: %v", logLevel)
	}
	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}
	return nil
}
