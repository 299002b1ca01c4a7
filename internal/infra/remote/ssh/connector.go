package ssh

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	domain "github.com/kyoulho/p-roro-sub011/internal/domain/scans"
)

// Options configures the connector.
type Options struct {
	DialTimeout time.Duration
	// KnownHosts is a known_hosts file. Empty means host keys are not
	// checked, which is only acceptable on lab networks.
	KnownHosts string
	// DefaultKey is a private key file used when a target has no
	// credentials of its own.
	DefaultKey string
	Log        *zap.Logger
}

// Connector runs commands over SSH. Windows targets are reached through
// OpenSSH; the dialect table renders PowerShell for them.
type Connector struct {
	opts     Options
	log      *zap.Logger
	hostKeys gossh.HostKeyCallback

	mu      sync.Mutex
	clients map[string]*gossh.Client
}

func NewConnector(opts Options) (*Connector, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	cb := gossh.InsecureIgnoreHostKey()
	if opts.KnownHosts != "" {
		var err error
		cb, err = knownhosts.New(opts.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("known_hosts: %w", err)
		}
	} else {
		log.Warn("ssh host key checking disabled")
	}
	return &Connector{opts: opts, log: log, hostKeys: cb, clients: make(map[string]*gossh.Client)}, nil
}

// cacheKey ties a cached client to the exact credentials that
// authenticated it, so a request never rides on another one's login.
func (c *Connector) cacheKey(t domain.TargetHost) string {
	t = c.withDefaults(t)
	h, _ := blake2b.New256(nil)
	for _, part := range []string{t.Username, t.Password, t.PrivateKey} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return t.Username + "@" + address(t) + "#" + hex.EncodeToString(h.Sum(nil)[:12])
}

func (c *Connector) withDefaults(t domain.TargetHost) domain.TargetHost {
	if t.PrivateKey == "" && t.Password == "" {
		t.PrivateKey = c.opts.DefaultKey
	}
	return t
}

func address(t domain.TargetHost) string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Address, strconv.Itoa(port))
}

// Execute runs command once. The command itself is never retried. A cached
// client whose connection died while idle is dropped and dialed again
// before anything is sent.
func (c *Connector) Execute(ctx context.Context, target domain.TargetHost, command string, timeout time.Duration) (domain.ExecResult, error) {
	sess, client, err := c.session(ctx, target)
	if err != nil {
		return domain.ExecResult{}, err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case err = <-done:
	case <-runCtx.Done():
		_ = sess.Signal(gossh.SIGKILL)
		_ = sess.Close()
		if errors.Is(ctx.Err(), context.Canceled) {
			return domain.ExecResult{}, ctx.Err()
		}
		return domain.ExecResult{}, &domain.TimeoutError{Command: command, After: timeout}
	}

	res := domain.ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *gossh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		var missing *gossh.ExitMissingError
		if errors.As(err, &missing) {
			res.ExitCode = -1
			return res, nil
		}
		c.drop(target, client)
		return res, &domain.ConnectionError{Address: address(target), Err: err}
	}
	return res, nil
}

// session opens a session, re-dialing once when a cached client is stale.
func (c *Connector) session(ctx context.Context, t domain.TargetHost) (*gossh.Session, *gossh.Client, error) {
	client, cached, err := c.client(ctx, t)
	if err != nil {
		return nil, nil, err
	}
	sess, err := client.NewSession()
	if err != nil && cached {
		c.drop(t, client)
		c.log.Debug("stale ssh client, redialing", zap.String("address", address(t)), zap.Error(err))
		if client, _, err = c.client(ctx, t); err != nil {
			return nil, nil, err
		}
		sess, err = client.NewSession()
	}
	if err != nil {
		c.drop(t, client)
		return nil, nil, &domain.ConnectionError{Address: address(t), Err: err}
	}
	return sess, client, nil
}

// client returns a cached client or dials one; cached reports which.
// Dialing happens outside the lock.
func (c *Connector) client(ctx context.Context, t domain.TargetHost) (cl *gossh.Client, cached bool, err error) {
	key := c.cacheKey(t)
	c.mu.Lock()
	cl, ok := c.clients[key]
	c.mu.Unlock()
	if ok {
		return cl, true, nil
	}

	cfg, err := c.config(t)
	if err != nil {
		return nil, false, &domain.ConnectionError{Address: address(t), Err: err}
	}
	d := net.Dialer{Timeout: c.opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", address(t))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, false, err
		}
		return nil, false, &domain.ConnectionError{Address: address(t), Err: err}
	}
	sc, chans, reqs, err := gossh.NewClientConn(conn, address(t), cfg)
	if err != nil {
		_ = conn.Close()
		return nil, false, &domain.ConnectionError{Address: address(t), Err: err}
	}
	cl = gossh.NewClient(sc, chans, reqs)

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.clients[key]; ok {
		// dial lain menang duluan
		_ = cl.Close()
		return existing, true, nil
	}
	c.clients[key] = cl
	c.log.Debug("ssh client connected", zap.String("address", address(t)), zap.String("user", t.Username))
	return cl, false, nil
}

func (c *Connector) config(t domain.TargetHost) (*gossh.ClientConfig, error) {
	var auth []gossh.AuthMethod
	t = c.withDefaults(t)
	if t.PrivateKey != "" {
		key := []byte(t.PrivateKey)
		if _, err := os.Stat(t.PrivateKey); err == nil {
			key, err = os.ReadFile(t.PrivateKey)
			if err != nil {
				return nil, err
			}
		}
		signer, err := gossh.ParsePrivateKey(key)
		var protected *gossh.PassphraseMissingError
		if errors.As(err, &protected) && t.Password != "" {
			signer, err = gossh.ParsePrivateKeyWithPassphrase(key, []byte(t.Password))
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, gossh.PublicKeys(signer))
	}
	if t.Password != "" {
		auth = append(auth, gossh.Password(t.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("no credentials for target")
	}
	return &gossh.ClientConfig{
		User:            t.Username,
		Auth:            auth,
		HostKeyCallback: c.hostKeys,
		Timeout:         c.opts.DialTimeout,
	}, nil
}

func (c *Connector) drop(t domain.TargetHost, cl *gossh.Client) {
	key := c.cacheKey(t)
	c.mu.Lock()
	if c.clients[key] == cl {
		delete(c.clients, key)
	}
	c.mu.Unlock()
	_ = cl.Close()
}

// Close closes every cached client.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for k, cl := range c.clients {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(c.clients, k)
	}
	return errors.Join(errs...)
}
