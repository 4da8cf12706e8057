// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package remote

import (
	"context"
	"fmt"
	"io/ioutil"
	"net"
	"net/url"
	"strconv"
	"time"

	log "github.com/golang/glog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/net/proxy"
)

// SSHConfig describes how to reach cluster hosts.
type SSHConfig struct {
	User           string        // Remote user, needs passwordless sudo.
	KeyFile        string        // Private key used to authenticate.
	KnownHostsFile string        // If empty, host keys are not verified.
	Port           int           // Defaults to 22.
	Proxy          string        // SOCKS proxy URL. If empty, ALL_PROXY is honored.
	DialTimeout    time.Duration // Defaults to 10s.
	MaxConns       int           // Size of the connection cache, 0 for unbounded.
	ConnectRetries int           // Extra connection attempts, with backoff, before a command fails.
}

// NewConnectionCache builds the ssh client configuration and dialer from cfg.
func NewConnectionCache(cfg SSHConfig) (*ConnectionCache, error) {
	key, err := ioutil.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh key %s: %w", cfg.KeyFile, err)
	}
	hostKeys := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		if hostKeys, err = knownhosts.New(cfg.KnownHostsFile); err != nil {
			return nil, fmt.Errorf("loading known hosts: %w", err)
		}
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	dial, err := newDialer(cfg)
	if err != nil {
		return nil, err
	}
	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         cfg.DialTimeout,
	}
	cc := newConnectionCache(clientCfg, strconv.Itoa(cfg.Port), dial, cfg.MaxConns)
	cc.retrier.MaxNumRetries = cfg.ConnectRetries + 1
	return cc, nil
}

func newDialer(cfg SSHConfig) (dialFunc, error) {
	direct := &net.Dialer{Timeout: cfg.DialTimeout}
	var d proxy.Dialer
	if cfg.Proxy != "" {
		u, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy url: %w", err)
		}
		if d, err = proxy.FromURL(u, direct); err != nil {
			return nil, fmt.Errorf("configuring proxy: %w", err)
		}
	} else {
		d = proxy.FromEnvironmentUsing(direct)
	}
	return func(ctx context.Context, addr string) (net.Conn, error) {
		if cd, ok := d.(proxy.ContextDialer); ok {
			return cd.DialContext(ctx, "tcp", addr)
		}
		return d.Dial("tcp", addr)
	}, nil
}

// SSHRemote runs commands on a host over ssh.
type SSHRemote struct {
	host  string
	cache *ConnectionCache
}

// Remote returns a Remote for host that shares this cache's connections.
func (cc *ConnectionCache) Remote(host string) *SSHRemote {
	return &SSHRemote{host: host, cache: cc}
}

// Host implements Remote.
func (r *SSHRemote) Host() string { return r.host }

// Run implements Remote.
func (r *SSHRemote) Run(ctx context.Context, cmd string, opts RunOptions) (*Proc, error) {
	log.V(1).Infof("[%s] running %s", r.host, cmd)
	rc, err := r.cache.connect(ctx, r.host)
	if err != nil {
		return nil, &ConnectError{Host: r.host, Err: err}
	}
	sess, err := rc.clt.NewSession()
	if err != nil {
		r.cache.done(r.host, rc, err)
		return nil, &ConnectError{Host: r.host, Err: err}
	}

	p := NewProc(r.host, cmd, opts)
	sess.Stdout, sess.Stderr = p.OutputWriters()
	if opts.Stdin {
		if p.Stdin, err = sess.StdinPipe(); err != nil {
			sess.Close()
			r.cache.done(r.host, rc, nil)
			return nil, err
		}
	}
	if err = sess.Start(cmd); err != nil {
		sess.Close()
		r.cache.done(r.host, rc, err)
		return nil, &ConnectError{Host: r.host, Err: err}
	}
	measure(r.host, p)

	go func() {
		err := sess.Wait()
		sess.Close()
		var connErr error
		switch e := err.(type) {
		case nil:
			p.Finish(0, nil)
		case *ssh.ExitError:
			p.Finish(e.ExitStatus(), nil)
		default:
			// ExitMissingError or a broken transport.
			connErr = err
			p.Finish(-1, err)
		}
		r.cache.done(r.host, rc, connErr)
	}()
	return p.Result(ctx, opts)
}

// ConnectError is returned when a command could not be started because the
// host was unreachable.
type ConnectError struct {
	Host string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrSSHConnect, e.Host, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
