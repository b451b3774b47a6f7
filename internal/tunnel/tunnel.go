// Package tunnel provides an SSH local port forward to the database host
// for the networked backends.
//
// Starting is best-effort idempotent: when the local forward port is
// already bound, an earlier process is assumed to run the tunnel and
// ErrAlreadyActive is returned. Stopping is explicit.
package tunnel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/gridsweep-io/gridsweep/config"
)

// Sentinel errors for tunnel lifecycle.
var (
	// ErrAlreadyActive is returned when the local forward port is taken,
	// which means another process already serves the tunnel.
	ErrAlreadyActive = errors.New("ssh tunnel already active")

	// ErrTunnelFailed is returned when the SSH connection cannot be
	// established.
	ErrTunnelFailed = errors.New("ssh tunnel failed")
)

// Tunnel forwards connections from a local port to the database endpoint
// through an SSH connection.
type Tunnel struct {
	localAddr string
	logger    *slog.Logger

	listener net.Listener
	client   *ssh.Client

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Start opens the SSH connection and begins forwarding. The local port
// defaults to the remote database port.
func Start(cfg *config.SSH, logger *slog.Logger) (*Tunnel, error) {
	localPort := cfg.LocalPort
	if localPort == 0 {
		localPort = cfg.RemotePort
	}

	localAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(localPort))

	listener, err := net.Listen("tcp", localAddr)
	if err != nil {
		// Another process holding the port is the normal multi-worker
		// case on one machine.
		return nil, fmt.Errorf("%w: %s", ErrAlreadyActive, localAddr)
	}

	client, err := dial(cfg)
	if err != nil {
		_ = listener.Close()

		return nil, err
	}

	t := &Tunnel{
		localAddr: localAddr,
		logger:    logger,
		listener:  listener,
		client:    client,
	}

	t.wg.Add(1)
	go t.serve(cfg)

	logger.Info("ssh tunnel started",
		slog.String("local", localAddr),
		slog.String("remote", net.JoinHostPort(cfg.RemoteHost, strconv.Itoa(cfg.RemotePort))),
	)

	return t, nil
}

// LocalAddr returns the local forward endpoint as host and port.
func (t *Tunnel) LocalAddr() (string, int) {
	host, portStr, _ := net.SplitHostPort(t.localAddr)
	port, _ := strconv.Atoi(portStr)

	return host, port
}

// Stop closes the listener and the SSH connection and waits for active
// forwards to drain. Safe to call more than once.
func (t *Tunnel) Stop() {
	t.mu.Lock()

	if t.closed {
		t.mu.Unlock()

		return
	}

	t.closed = true
	t.mu.Unlock()

	_ = t.listener.Close()
	_ = t.client.Close()
	t.wg.Wait()

	t.logger.Info("ssh tunnel stopped", slog.String("local", t.localAddr))
}

func dial(cfg *config.SSH) (*ssh.Client, error) {
	key, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: reading key file: %v", ErrTunnelFailed, err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing private key: %v", ErrTunnelFailed, err)
	}

	clientConfig := &ssh.ClientConfig{
		User: cfg.User,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// The tunnel endpoint comes from the operator's own credentials
		// document, matching the trust model of the original deployment.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
	}

	addr := net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))

	client, err := ssh.Dial("tcp", addr, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", ErrTunnelFailed, addr, err)
	}

	return client, nil
}

func (t *Tunnel) serve(cfg *config.SSH) {
	defer t.wg.Done()

	remoteAddr := net.JoinHostPort(cfg.RemoteHost, strconv.Itoa(cfg.RemotePort))

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}

		t.wg.Add(1)
		go t.forward(conn, remoteAddr)
	}
}

func (t *Tunnel) forward(local net.Conn, remoteAddr string) {
	defer t.wg.Done()

	defer func() {
		_ = local.Close()
	}()

	remote, err := t.client.Dial("tcp", remoteAddr)
	if err != nil {
		t.logger.Error("ssh forward failed",
			slog.String("remote", remoteAddr),
			slog.String("error", err.Error()),
		)

		return
	}

	defer func() {
		_ = remote.Close()
	}()

	done := make(chan struct{})

	go func() {
		_, _ = io.Copy(remote, local)
		close(done)
	}()

	_, _ = io.Copy(local, remote)
	<-done
}
