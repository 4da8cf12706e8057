// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package remote

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"golang.org/x/crypto/ssh"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/testfs/pkg/retry"
)

// ErrSSHConnect is returned if we can't connect to a host.
var ErrSSHConnect = errors.New("ssh couldn't connect")

// dialFunc opens the transport connection to addr.
type dialFunc func(ctx context.Context, addr string) (net.Conn, error)

// ConnectionCache creates and caches SSH connections to hosts. Commands on
// the same host are multiplexed as sessions over one connection.
//
// ConnectionCache is thread-safe.
type ConnectionCache struct {
	// Protects conns.
	lock sync.Mutex

	// Holds open connections.
	conns *lru.Cache

	config  *ssh.ClientConfig
	port    string
	dial    dialFunc
	retrier retry.Retrier
}

// newConnectionCache makes a new ConnectionCache. maxConns is the size of the
// cache. If we have more than that many connections, idle ones may be
// dropped. If maxConns is zero, we never drop idle connections.
func newConnectionCache(config *ssh.ClientConfig, port string, dial dialFunc, maxConns int) *ConnectionCache {
	if maxConns < 0 {
		log.Fatalf("max connections can not be negative")
	}
	conns := lru.New(maxConns)
	conns.OnEvicted = onConnEvicted
	return &ConnectionCache{
		conns:   conns,
		config:  config,
		port:    port,
		dial:    dial,
		retrier: retry.Retrier{MinSleep: 500 * time.Millisecond, MaxSleep: 5 * time.Second, MaxNumRetries: 1},
	}
}

// connect is get, retried with backoff while the host is unreachable.
func (cc *ConnectionCache) connect(ctx context.Context, host string) (rc *refCntClient, err error) {
	r := cc.retrier
	ok, cancelled := r.Do(ctx, func(i int) bool {
		if i > 0 {
			log.Infof("retrying connection to %s (attempt %d)", host, i+1)
		}
		rc, err = cc.get(ctx, host)
		return err == nil
	})
	if ok {
		return rc, nil
	}
	if cancelled && err == nil {
		err = ctx.Err()
	}
	return nil, err
}

// get returns a connection to host, or nil if none could be made. Once the
// caller is done with the client it MUST call done.
func (cc *ConnectionCache) get(ctx context.Context, host string) (*refCntClient, error) {
	cc.lock.Lock()
	if v, ok := cc.conns.Get(host); ok {
		rc := v.(*refCntClient)
		rc.count++
		cc.lock.Unlock()
		return rc, nil
	}

	// Dial without holding the lock.
	cc.lock.Unlock()
	addr := net.JoinHostPort(host, cc.port)
	conn, err := cc.dial(ctx, addr)
	if err != nil {
		log.Infof("error connecting to %s: %s", addr, err)
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cc.config)
	if err != nil {
		conn.Close()
		log.Infof("ssh handshake with %s failed: %s", addr, err)
		return nil, err
	}
	clt := ssh.NewClient(c, chans, reqs)

	cc.lock.Lock()
	if v, ok := cc.conns.Get(host); ok {
		rc := v.(*refCntClient)
		rc.count++
		cc.lock.Unlock()
		clt.Close()
		log.Infof("established duplicate connection to %s, dropping", host)
		return rc, nil
	}
	log.Infof("established ssh connection to %s", addr)

	// Both the LRU cache and the caller hold a reference.
	rc := &refCntClient{count: 2, clt: clt}
	cc.conns.Add(host, rc)
	cc.lock.Unlock()
	return rc, nil
}

// done drops the caller's reference. A non-nil err means the connection is
// considered broken and is removed from the cache.
func (cc *ConnectionCache) done(host string, oldConn *refCntClient, err error) {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	if oldConn.decAndMaybeClose() {
		return
	}
	if err == nil {
		return
	}
	// Only remove the cached client if it's still this one, so each client
	// is closed exactly once.
	if newConn, ok := cc.conns.Get(host); ok && newConn == oldConn {
		cc.conns.Remove(host)
		log.Errorf("connection to %s lost (%s)", host, err)
	}
}

// Remove removes and closes a connection from the cache if one to host exists.
func (cc *ConnectionCache) Remove(host string) {
	cc.lock.Lock()
	cc.conns.Remove(host)
	cc.lock.Unlock()
}

// CloseAll drops every connection. Connections still in use are closed
// once their last user is done.
func (cc *ConnectionCache) CloseAll() {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	for cc.conns.Len() > 0 {
		cc.conns.RemoveOldest()
	}
}

func onConnEvicted(key lru.Key, val interface{}) {
	log.V(2).Infof("%s has been evicted from connection cache, closing the connection", key)
	// Called from the LRU, which is already protected by the cache lock.
	val.(*refCntClient).decAndMaybeClose()
}

// refCntClient wraps an ssh client with a reference count so we know when
// to close the connection.
type refCntClient struct {
	// Accessing count must be protected by the cache lock.
	count int
	clt   *ssh.Client
}

// decAndMaybeClose MUST be called with the cache lock held.
func (c *refCntClient) decAndMaybeClose() (closed bool) {
	c.count--
	if c.count == 0 {
		c.clt.Close()
		return true
	}
	return false
}
