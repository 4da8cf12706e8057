// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/testfs/internal/core"
	"github.com/westerndigitalcorporation/testfs/internal/failimpl"
	"github.com/westerndigitalcorporation/testfs/pkg/retry"
)

// Filesystem controls the metadata daemons of a shared filesystem and the
// network between them and their clients.
type Filesystem struct {
	*Admin
	failer *failimpl.Failer

	// PollInterval is the period of state polls.
	PollInterval time.Duration
}

// NewFilesystem returns a Filesystem. The cluster must have at least one
// metadata daemon.
func NewFilesystem(admin *Admin, failer *failimpl.Failer) (*Filesystem, error) {
	if len(admin.cfg.MDS) == 0 {
		return nil, errors.New("cluster has no metadata daemons")
	}
	return &Filesystem{Admin: admin, failer: failer, PollInterval: core.PollInterval}, nil
}

// MDSInfo is one daemon's entry in the metadata server map.
type MDSInfo struct {
	GID   int64  `json:"gid"`
	Name  string `json:"name"`
	Rank  int    `json:"rank"`
	State string `json:"state"`
	Addr  string `json:"addr"`
}

type mdsMap struct {
	Info map[string]MDSInfo `json:"info"`
}

// MDSMap fetches the current metadata server map keyed by daemon name.
func (fs *Filesystem) MDSMap(ctx context.Context) (map[string]MDSInfo, error) {
	var m mdsMap
	if err := fs.CephJSON(ctx, &m, "mds", "dump"); err != nil {
		return nil, err
	}
	byName := make(map[string]MDSInfo)
	for _, info := range m.Info {
		byName[info.Name] = info
	}
	return byName, nil
}

// MDSStates maps every daemon in the metadata server map to its state.
func (fs *Filesystem) MDSStates(ctx context.Context) (map[string]string, error) {
	infos, err := fs.MDSMap(ctx)
	if err != nil {
		return nil, err
	}
	states := make(map[string]string, len(infos))
	for name, info := range infos {
		states[name] = info.State
	}
	return states, nil
}

// MDSState returns the lifecycle state of the daemon holding rank 0. If no
// daemon holds it, the state of the configured primary is returned, or
// core.StateStopped if that is absent from the map.
func (fs *Filesystem) MDSState(ctx context.Context) (string, error) {
	m, err := fs.MDSMap(ctx)
	if err != nil {
		return "", err
	}
	if info, ok := rankZero(m); ok {
		return info.State, nil
	}
	if info, ok := m[fs.cfg.Primary().ID]; ok {
		return info.State, nil
	}
	return core.StateStopped, nil
}

// rankZero finds the daemon holding rank 0. Standbys have a negative rank.
func rankZero(m map[string]MDSInfo) (MDSInfo, bool) {
	for _, info := range m {
		if info.Rank == 0 && strings.HasPrefix(info.State, "up:") {
			return info, true
		}
	}
	return MDSInfo{}, false
}

// active returns the configured daemon holding rank 0, falling back to the
// primary if the map can't be read or names no such daemon.
func (fs *Filesystem) active(ctx context.Context) Daemon {
	m, err := fs.MDSMap(ctx)
	if err != nil {
		log.V(1).Infof("mds map unavailable, using %s: %s", fs.cfg.Primary().Name(), err)
		return fs.cfg.Primary()
	}
	if info, ok := rankZero(m); ok {
		for _, d := range fs.cfg.MDS {
			if d.ID == info.Name {
				return d
			}
		}
	}
	return fs.cfg.Primary()
}

// daemonStates is MDSStates with configured daemons missing from the map
// reported as core.StateStopped.
func (fs *Filesystem) daemonStates(ctx context.Context) (map[string]string, error) {
	states, err := fs.MDSStates(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range fs.cfg.MDS {
		if _, ok := states[d.ID]; !ok {
			states[d.ID] = core.StateStopped
		}
	}
	return states, nil
}

// inState returns the sorted names of daemons in state.
func inState(states map[string]string, state string) []string {
	var names []string
	for name, s := range states {
		if s == state {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func formatStates(states map[string]string) string {
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = "mds." + name + "=" + states[name]
	}
	return strings.Join(parts, " ")
}

// MDSStop stops every metadata daemon.
func (fs *Filesystem) MDSStop(ctx context.Context) error {
	for _, d := range fs.cfg.MDS {
		if err := fs.daemons.Stop(ctx, d); err != nil {
			return fmt.Errorf("stopping %s: %w", d, err)
		}
	}
	return nil
}

// MDSFail marks every metadata daemon failed in the cluster map so that
// its successor does not wait for it to time out.
func (fs *Filesystem) MDSFail(ctx context.Context) error {
	for _, d := range fs.cfg.MDS {
		if _, err := fs.Ceph(ctx, "mds", "fail", d.ID); err != nil {
			return err
		}
	}
	return nil
}

// MDSRestart restarts every metadata daemon.
func (fs *Filesystem) MDSRestart(ctx context.Context) error {
	for _, d := range fs.cfg.MDS {
		if err := fs.daemons.Restart(ctx, d); err != nil {
			return fmt.Errorf("restarting %s: %w", d, err)
		}
	}
	return nil
}

// WaitForState polls the metadata server map until exactly one daemon is
// in state goal and returns how long that took. Any daemon seen in state
// reject (if non-empty) fails immediately with a *core.UnexpectedStateError.
// If goal is not reached within timeout a *core.TimeoutError is returned.
func (fs *Filesystem) WaitForState(ctx context.Context, goal, reject string, timeout time.Duration) (time.Duration, error) {
	var last string
	elapsed, err := retry.Poll(ctx, fs.PollInterval, timeout, func(elapsed time.Duration) (bool, error) {
		states, err := fs.daemonStates(ctx)
		if err != nil {
			return false, err
		}
		if summary := formatStates(states); summary != last {
			log.Infof("%s after %s", summary, elapsed.Round(time.Second))
			last = summary
		}
		if reject != "" {
			if names := inState(states, reject); len(names) > 0 {
				return false, &core.UnexpectedStateError{Daemon: "mds." + names[0], State: reject, Elapsed: elapsed}
			}
		}
		return len(inState(states, goal)) == 1, nil
	})
	if err == retry.ErrTimeout {
		err = &core.TimeoutError{Kind: core.WaitState, What: goal, Elapsed: elapsed, Limit: timeout}
	}
	return elapsed, err
}

// WaitForDaemons waits until every metadata daemon is running and exactly
// one of them is active.
func (fs *Filesystem) WaitForDaemons(ctx context.Context, timeout time.Duration) error {
	elapsed, err := retry.Poll(ctx, fs.PollInterval, timeout, func(time.Duration) (bool, error) {
		for _, d := range fs.cfg.MDS {
			running, err := fs.daemons.Running(ctx, d)
			if err != nil || !running {
				return false, err
			}
		}
		states, err := fs.daemonStates(ctx)
		if err != nil {
			return false, err
		}
		return len(inState(states, core.StateActive)) == 1, nil
	})
	if err == retry.ErrTimeout {
		err = &core.TimeoutError{Kind: core.WaitState, What: "all daemons " + core.StateActive, Elapsed: elapsed, Limit: timeout}
	}
	return err
}

// MDSAsok sends an admin-socket command to the metadata daemon holding
// rank 0.
func (fs *Filesystem) MDSAsok(ctx context.Context, args ...string) (json.RawMessage, error) {
	return fs.DaemonCommand(ctx, fs.active(ctx), args...)
}

// GetConfig reads a live configuration value from the active metadata
// daemon.
func (fs *Filesystem) GetConfig(ctx context.Context, key string) (string, error) {
	raw, err := fs.MDSAsok(ctx, "config", "get", key)
	if err != nil {
		return "", err
	}
	var reply map[string]interface{}
	if err = json.Unmarshal(raw, &reply); err != nil {
		return "", fmt.Errorf("config get %s: %w", key, err)
	}
	v, ok := reply[key]
	if !ok {
		return "", fmt.Errorf("config get %s: key missing from reply", key)
	}
	return fmt.Sprint(v), nil
}

// GetConfigInt reads a live numeric configuration value. Fractional values
// are truncated.
func (fs *Filesystem) GetConfigInt(ctx context.Context, key string) (int, error) {
	s, err := fs.GetConfig(ctx, key)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("config %s=%q is not numeric", key, s)
	}
	return int(f), nil
}

// GetConfigSeconds reads a live configuration value given in seconds.
func (fs *Filesystem) GetConfigSeconds(ctx context.Context, key string) (time.Duration, error) {
	s, err := fs.GetConfig(ctx, key)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("config %s=%q is not numeric", key, s)
	}
	return time.Duration(f * float64(time.Second)), nil
}

// ListSessions returns the active metadata daemon's session table.
func (fs *Filesystem) ListSessions(ctx context.Context) ([]Session, error) {
	raw, err := fs.MDSAsok(ctx, "session", "ls")
	if err != nil {
		return nil, err
	}
	var sessions []Session
	if err = json.Unmarshal(raw, &sessions); err != nil {
		return nil, fmt.Errorf("decoding session ls: %w", err)
	}
	return sessions, nil
}

// EvictSession asks the active metadata daemon to evict a client session.
func (fs *Filesystem) EvictSession(ctx context.Context, id int64) error {
	log.Infof("evicting session %d", id)
	_, err := fs.MDSAsok(ctx, "session", "evict", strconv.FormatInt(id, 10))
	return err
}

var addrPort = regexp.MustCompile(`:(\d+)/`)

// SetClientsBlock blocks (on) or unblocks (!on) all traffic to and from
// the metadata daemons' ports on their hosts.
func (fs *Filesystem) SetClientsBlock(ctx context.Context, on bool) error {
	m, err := fs.MDSMap(ctx)
	if err != nil {
		return err
	}
	for _, d := range fs.cfg.MDS {
		info, ok := m[d.ID]
		if !ok {
			return fmt.Errorf("%s is not in the mds map", d.Name())
		}
		match := addrPort.FindStringSubmatch(info.Addr)
		if match == nil {
			return fmt.Errorf("can't parse address %q of %s", info.Addr, d.Name())
		}
		port, _ := strconv.Atoi(match[1])
		if err = fs.failer.BlockPort(ctx, d.Host, port, on); err != nil {
			return err
		}
	}
	return nil
}

// ClearFirewall removes every rule installed by SetClientsBlock from every
// cluster host.
func (fs *Filesystem) ClearFirewall(ctx context.Context) error {
	for _, h := range fs.cfg.AllHosts() {
		if err := fs.failer.ClearTagged(ctx, h); err != nil {
			return fmt.Errorf("clearing firewall on %s: %w", h, err)
		}
	}
	return nil
}

// GetMDSHostnames returns the hosts running metadata daemons.
func (fs *Filesystem) GetMDSHostnames() []string {
	return fs.cfg.MDSHosts()
}
