package main

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/ticker"

	"github.com/realcr/cswitch/channeldb"
	"github.com/realcr/cswitch/channeler"
	"github.com/realcr/cswitch/connpool"
	"github.com/realcr/cswitch/crypto"
	"github.com/realcr/cswitch/cswire"
	"github.com/realcr/cswitch/funder"
	"github.com/realcr/cswitch/keepalive"
	"github.com/realcr/cswitch/report"
	"github.com/realcr/cswitch/securechannel"
)

const dialTimeout = 30 * time.Second

// server wires together the transport stack (listen pool, connect pools,
// secure channel, keepalive), the channeler and the funder into a running
// node.
type server struct {
	cfg      *config
	identity *crypto.Identity
	db       *channeldb.DB

	listenPool *connpool.ListenPool
	channeler  *channeler.Channeler
	funder     *funder.Funder

	// ops is the operator surface: friend management, currency
	// configuration and reset actions flow in here.
	ops chan funder.Op

	// fatalErrs receives the first fatal error of each long-lived loop.
	fatalErrs chan error

	// funderDone closes when the funder loop exits, so the channeler
	// can distinguish a dead credit layer from a slow one.
	funderDone chan struct{}

	quit chan struct{}
	wg   sync.WaitGroup
}

// tcpListener serves one local relay address: it accepts raw TCP
// connections and runs the full handshake before handing the
// authenticated conn up to the listen pool.
type tcpListener struct {
	listener net.Listener
	server   *server
}

func (l *tcpListener) Accept() (crypto.PublicKey, connpool.MsgConn, error) {
	for {
		raw, err := l.listener.Accept()
		if err != nil {
			return crypto.PublicKey{}, nil, err
		}

		conn, err := securechannel.Handshake(raw,
			l.server.identity, nil)
		if err != nil {
			srvrLog.Debugf("inbound handshake from %v failed: %v",
				raw.RemoteAddr(), err)
			raw.Close()
			continue
		}

		return conn.RemotePublicKey(), l.server.wrapKeepalive(conn),
			nil
	}
}

func (l *tcpListener) Close() error {
	return l.listener.Close()
}

// connectPoolAdapter exposes a connpool.ConnectPool through the
// channeler's interface.
type connectPoolAdapter struct {
	pool *connpool.ConnectPool
}

func (a *connectPoolAdapter) SetAddresses(addrs []cswire.RelayAddress) error {
	return a.pool.SetAddresses(addrs)
}

func (a *connectPoolAdapter) Connect() (channeler.MsgConn, error) {
	conn, err := a.pool.Connect()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (a *connectPoolAdapter) Stop() {
	a.pool.Stop()
}

// newServer builds a stopped server from the given configuration.
func newServer(cfg *config, identity *crypto.Identity,
	db *channeldb.DB) (*server, error) {

	s := &server{
		cfg:        cfg,
		identity:   identity,
		db:         db,
		ops:        make(chan funder.Op),
		fatalErrs:  make(chan error, 4),
		funderDone: make(chan struct{}),
		quit:       make(chan struct{}),
	}

	// The listen pool accepts and authenticates inbound friends.
	s.listenPool = connpool.NewListenPool(func(
		addr cswire.RelayAddress) (connpool.Listener, error) {

		listener, err := net.Listen("tcp", string(addr))
		if err != nil {
			return nil, err
		}
		return &tcpListener{listener: listener, server: s}, nil
	})

	// Wire the shared channels between the three layers.
	commands := make(chan channeler.Command)
	events := make(chan channeler.Event)
	incoming := make(chan *channeler.IncomingConn)
	mutations := make(chan report.FunderReportMutation)

	s.channeler = channeler.New(&channeler.Config{
		LocalPK: identity.PublicKey(),
		NewConnectPool: func(pk crypto.PublicKey) channeler.ConnectPool {
			pool := connpool.NewConnectPool(pk, s.dial,
				ticker.New(cfg.TickInterval))
			return &connectPoolAdapter{pool: pool}
		},
		ListenPool:    s.listenPool,
		IncomingConns: incoming,
		Commands:      commands,
		Events:        events,
		FunderDone:    s.funderDone,
	})

	localAddrs := make([]cswire.RelayAddress, 0, len(cfg.Listen))
	for _, addr := range cfg.Listen {
		localAddrs = append(localAddrs, cswire.RelayAddress(addr))
	}

	var err error
	s.funder, err = funder.New(&funder.Config{
		Identity:          identity,
		DB:                db,
		ChannelerEvents:   events,
		ChannelerCommands: commands,
		Ops:               s.ops,
		ReportMutations:   mutations,
		LocalAddresses:    localAddrs,
	})
	if err != nil {
		return nil, err
	}

	// Forward accepted connections into the channeler's stream.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case accepted, ok := <-s.listenPool.IncomingConns():
				if !ok {
					return
				}
				select {
				case incoming <- &channeler.IncomingConn{
					FriendPK: accepted.FriendPK,
					Conn:     accepted.Conn,
				}:
				case <-s.quit:
					return
				}
			case <-s.quit:
				return
			}
		}
	}()

	// Maintain the node's observable report from the mutation stream.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		nodeReport := report.NewFunderReport(identity.PublicKey())
		for {
			select {
			case mutation := <-mutations:
				if err := nodeReport.Mutate(mutation); err != nil {
					srvrLog.Warnf("report mutation "+
						"rejected: %v", err)
				}
			case <-s.quit:
				return
			}
		}
	}()

	return s, nil
}

// dial establishes a fully established connection to a friend through one
// relay address.
func (s *server) dial(addr cswire.RelayAddress,
	friendPK crypto.PublicKey) (connpool.MsgConn, error) {

	raw, err := net.DialTimeout("tcp", string(addr), dialTimeout)
	if err != nil {
		return nil, err
	}

	conn, err := securechannel.Handshake(raw, s.identity, &friendPK)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return s.wrapKeepalive(conn), nil
}

// wrapKeepalive layers liveness accounting over an established secure
// channel.
func (s *server) wrapKeepalive(conn *securechannel.Conn) connpool.MsgConn {
	return keepalive.NewConn(conn, s.cfg.KeepaliveTicks,
		ticker.New(s.cfg.TickInterval))
}

// Start launches the channeler and funder loops.
func (s *server) Start() {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.channeler.Run(); err != nil {
			select {
			case s.fatalErrs <- fmt.Errorf("channeler: %v", err):
			default:
			}
		}
	}()
	go func() {
		defer s.wg.Done()
		defer close(s.funderDone)
		if err := s.funder.Run(); err != nil {
			select {
			case s.fatalErrs <- fmt.Errorf("funder: %v", err):
			default:
			}
		}
	}()

	srvrLog.Infof("server started, identity %v",
		s.identity.PublicKey())
}

// FatalErrs surfaces the first fatal error of any long-lived loop.
func (s *server) FatalErrs() <-chan error {
	return s.fatalErrs
}

// Ops is the operator command surface of the running node.
func (s *server) Ops() chan<- funder.Op {
	return s.ops
}

// Stop shuts the node down and waits for every goroutine.
func (s *server) Stop() {
	close(s.quit)
	s.funder.Stop()
	s.channeler.Stop()
	s.listenPool.Stop()
	s.wg.Wait()
}
