// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package remote

import (
	"context"
	"fmt"
	"sync"
)

// Pool hands out a Remote per host name. "localhost" maps to the harness
// host itself.
type Pool struct {
	lock    sync.Mutex
	cache   *ConnectionCache
	remotes map[string]Remote
}

// NewPool returns a Pool whose remote hosts share cache. cache may be nil
// if every host is local.
func NewPool(cache *ConnectionCache) *Pool {
	return &Pool{cache: cache, remotes: make(map[string]Remote)}
}

// Add registers r for its host, overriding the default.
func (p *Pool) Add(r Remote) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.remotes[r.Host()] = r
}

// Get returns the Remote for host.
func (p *Pool) Get(host string) Remote {
	p.lock.Lock()
	defer p.lock.Unlock()
	if r, ok := p.remotes[host]; ok {
		return r
	}
	var r Remote
	if host == "localhost" || p.cache == nil {
		r = LocalRemote{}
	} else {
		r = p.cache.Remote(host)
	}
	p.remotes[host] = r
	return r
}

// Hosts returns every host handed out so far.
func (p *Pool) Hosts() []string {
	p.lock.Lock()
	defer p.lock.Unlock()
	var hosts []string
	for h := range p.remotes {
		hosts = append(hosts, h)
	}
	return hosts
}

// Reconnect drops any cached connection to host, e.g. after it was power
// cycled.
func (p *Pool) Reconnect(host string) {
	if p.cache != nil {
		p.cache.Remove(host)
	}
}

// Close closes all connections.
func (p *Pool) Close() {
	if p.cache != nil {
		p.cache.CloseAll()
	}
}

// WriteFile writes data to path on r through the command's stdin.
func WriteFile(ctx context.Context, r Remote, path string, data []byte, sudo bool) error {
	cmd := "cat > " + Quote(path)
	if sudo {
		cmd = "sudo sh -c " + Quote(cmd)
	}
	p, err := r.Run(ctx, cmd, RunOptions{NoWait: true, Stdin: true})
	if err != nil {
		return err
	}
	if _, err = p.Stdin.Write(data); err != nil {
		p.CloseStdin()
		return fmt.Errorf("writing %s on %s: %w", path, r.Host(), err)
	}
	p.CloseStdin()
	return p.Wait(ctx)
}

// Hosts looks up the Remote for a host name.
type Hosts interface {
	Get(host string) Remote
}
