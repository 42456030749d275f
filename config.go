package main

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "cswitch.conf"
	defaultDataDirname    = "data"
	defaultLogFilename    = "cswitch.log"
	defaultKeepaliveTicks = 16
	defaultTickInterval   = time.Second
	defaultDebugLevel     = "info"
)

var (
	defaultHomeDir = defaultAppDataDir()
)

// config defines the configuration options of the cswitch daemon.
//
// See loadConfig for further details regarding the configuration loading
// and parsing process.
type config struct {
	HomeDir string `long:"homedir" description:"The base directory that contains the node's data, logs and identity key"`

	Listen []string `long:"listen" description:"Add an address to listen for inbound friend connections"`

	DebugLevel string `long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`

	KeepaliveTicks int           `long:"keepaliveticks" description:"Number of silent ticks after which a friend connection is considered dead"`
	TickInterval   time.Duration `long:"tickinterval" description:"Duration of one keepalive/backoff tick"`
}

// defaultAppDataDir returns the default home directory of the daemon.
func defaultAppDataDir() string {
	usr, err := user.Current()
	if err != nil {
		return "./.cswitch"
	}
	return filepath.Join(usr.HomeDir, ".cswitch")
}

// loadConfig initializes and parses the config using command line options.
func loadConfig() (*config, error) {
	cfg := config{
		HomeDir:        defaultHomeDir,
		DebugLevel:     defaultDebugLevel,
		KeepaliveTicks: defaultKeepaliveTicks,
		TickInterval:   defaultTickInterval,
	}

	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	cfg.HomeDir = cleanAndExpandPath(cfg.HomeDir)
	if err := os.MkdirAll(cfg.HomeDir, 0700); err != nil {
		return nil, fmt.Errorf("unable to create home dir: %v", err)
	}

	if cfg.KeepaliveTicks < 2 {
		return nil, fmt.Errorf("keepaliveticks must be at least 2")
	}
	if cfg.TickInterval <= 0 {
		return nil, fmt.Errorf("tickinterval must be positive")
	}

	return &cfg, nil
}

// dataDir returns the directory holding the channel database.
func (c *config) dataDir() string {
	return filepath.Join(c.HomeDir, defaultDataDirname)
}

// logFile returns the path of the rotated log file.
func (c *config) logFile() string {
	return filepath.Join(c.HomeDir, "logs", defaultLogFilename)
}

// identityFile returns the path of the identity key file.
func (c *config) identityFile() string {
	return filepath.Join(c.HomeDir, "identity.key")
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		usr, err := user.Current()
		if err == nil {
			path = strings.Replace(path, "~", usr.HomeDir, 1)
		}
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
