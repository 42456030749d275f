package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"github.com/realcr/cswitch/channeldb"
	"github.com/realcr/cswitch/crypto"
)

// cswitchMain is the true entry point of the daemon. It is separated from
// main so defers run before os.Exit.
func cswitchMain() error {
	cfg, err := loadConfig()
	if err != nil {
		if flagErr, ok := err.(*flags.Error); ok &&
			flagErr.Type == flags.ErrHelp {
			return nil
		}
		return err
	}

	if err := initLogRotator(cfg.logFile()); err != nil {
		return err
	}
	defer logRotator.Close()
	if err := setLogLevels(cfg.DebugLevel); err != nil {
		return err
	}

	identity, err := loadIdentity(cfg.identityFile())
	if err != nil {
		return fmt.Errorf("unable to load identity: %v", err)
	}
	srvrLog.Infof("node identity: %v", identity.PublicKey())

	db, err := channeldb.Open(cfg.dataDir())
	if err != nil {
		return fmt.Errorf("unable to open channeldb: %v", err)
	}
	defer db.Close()

	server, err := newServer(cfg, identity, db)
	if err != nil {
		return fmt.Errorf("unable to create server: %v", err)
	}
	server.Start()
	defer server.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		srvrLog.Infof("received %v, shutting down", sig)
		return nil
	case err := <-server.FatalErrs():
		return err
	}
}

// loadIdentity reads the node's signing key seed from keyPath, generating
// and persisting a fresh one on first run.
func loadIdentity(keyPath string) (*crypto.Identity, error) {
	raw, err := os.ReadFile(keyPath)
	switch {
	case os.IsNotExist(err):
		identity, err := crypto.NewIdentity()
		if err != nil {
			return nil, err
		}
		encoded := hex.EncodeToString(identity.Seed()) + "\n"
		err = os.WriteFile(keyPath, []byte(encoded), 0600)
		if err != nil {
			return nil, err
		}
		return identity, nil

	case err != nil:
		return nil, err
	}

	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("corrupt identity key file: %v", err)
	}
	return crypto.IdentityFromSeed(seed)
}

func main() {
	if err := cswitchMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
