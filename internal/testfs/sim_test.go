// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package testfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/westerndigitalcorporation/testfs/internal/cluster"
	"github.com/westerndigitalcorporation/testfs/internal/core"
	"github.com/westerndigitalcorporation/testfs/internal/mount"
	"github.com/westerndigitalcorporation/testfs/internal/remote"
	"github.com/westerndigitalcorporation/testfs/pkg/retry"
)

const simPoll = 2 * time.Millisecond

// simFS is an in-memory model of a metadata daemon and its client
// sessions, just detailed enough to drive the recovery scenarios with real
// (small) timing windows.
type simFS struct {
	lock sync.Mutex

	t          Timeouts
	state      string
	reconnect  time.Time // When the current reconnect phase began.
	sessions   map[int64]*simSession
	nextID     int64
	blocked    bool
	holds      map[string]int64 // File to the session holding its capabilities.
	files      map[string]bool
	waitingOn  map[int64]bool // Sessions some write is blocked on.
	conf       map[string]string
	configInts map[string]int
	calls      []string
	mdsHosts   []string
}

type simSession struct {
	cluster.Session
	m         *simMount
	silent    time.Time // When the client stopped renewing, zero if it does.
	noRelease bool
}

// current is true if the session is the one its client is using now.
func (sess *simSession) current() bool {
	return sess.m.session == sess.ID
}

func newSimFS(t Timeouts) *simFS {
	return &simFS{
		t:          t,
		state:      core.StateActive,
		sessions:   make(map[int64]*simSession),
		nextID:     4100,
		holds:      make(map[string]int64),
		files:      make(map[string]bool),
		waitingOn:  make(map[int64]bool),
		conf:       make(map[string]string),
		configInts: map[string]int{"mds_recall_state_timeout": 1, "mds_revoke_cap_timeout": 1},
		mdsHosts:   []string{"mds0"},
	}
}

func (s *simFS) record(format string, args ...interface{}) {
	s.calls = append(s.calls, fmt.Sprintf(format, args...))
}

func (s *simFS) called(call string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, c := range s.calls {
		if c == call {
			return true
		}
	}
	return false
}

// stale returns true if the session went without renewal for longer than
// the session timeout. Must hold lock.
func (s *simFS) stale(sess *simSession) bool {
	return !sess.silent.IsZero() && time.Since(sess.silent) >= s.t.Session
}

// settle moves time-driven state forward. Must hold lock.
func (s *simFS) settle() {
	for _, sess := range s.sessions {
		sess.State = core.SessionOpen
		if s.stale(sess) {
			sess.State = core.SessionStale
		}
	}
	if s.state != core.StateReconnect {
		return
	}
	pending := false
	for _, sess := range s.sessions {
		pending = pending || sess.Reconnecting
	}
	if pending && time.Since(s.reconnect) < s.t.Reconnect {
		return
	}
	for id, sess := range s.sessions {
		if sess.Reconnecting {
			s.dropSession(id)
		}
	}
	s.state = core.StateActive
}

// dropSession removes a session and its capabilities. Must hold lock.
func (s *simFS) dropSession(id int64) {
	delete(s.sessions, id)
	for f, holder := range s.holds {
		if holder == id {
			delete(s.holds, f)
		}
	}
}

func (s *simFS) openSession(m *simMount) int64 {
	s.nextID++
	sess := &simSession{m: m, noRelease: s.conf["client."+m.id+"/client_inject_release_failure"] == "true"}
	sess.ID = s.nextID
	sess.State = core.SessionOpen
	sess.NumCaps = 1
	s.sessions[sess.ID] = sess
	return sess.ID
}

func (s *simFS) ListSessions(ctx context.Context) ([]cluster.Session, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state == core.StateStopped {
		return nil, errors.New("mds is down")
	}
	s.settle()
	var ret []cluster.Session
	for _, sess := range s.sessions {
		ret = append(ret, sess.Session)
	}
	return ret, nil
}

func (s *simFS) MDSStop(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.record("stop")
	s.state = core.StateStopped
	return nil
}

func (s *simFS) MDSFail(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.record("fail")
	return nil
}

// MDSRestart brings the daemon up in reconnect. Stale sessions are
// forgotten, clients that are still mounted reconnect at once.
func (s *simFS) MDSRestart(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.record("restart")
	s.settle()
	for id, sess := range s.sessions {
		if sess.State == core.SessionStale {
			s.dropSession(id)
			continue
		}
		sess.Reconnecting = !sess.current() || !sess.m.mounted
	}
	s.state = core.StateReconnect
	s.reconnect = time.Now()
	return nil
}

func (s *simFS) MDSState(ctx context.Context) (string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.settle()
	return s.state, nil
}

func (s *simFS) MDSStates(ctx context.Context) (map[string]string, error) {
	state, _ := s.MDSState(ctx)
	return map[string]string{"a": state}, nil
}

func (s *simFS) WaitForState(ctx context.Context, goal, reject string, timeout time.Duration) (time.Duration, error) {
	elapsed, err := retry.Poll(ctx, simPoll, timeout, func(time.Duration) (bool, error) {
		state, _ := s.MDSState(ctx)
		if reject != "" && state == reject {
			return false, &core.UnexpectedStateError{Daemon: "mds.a", State: state}
		}
		return state == goal, nil
	})
	if err == retry.ErrTimeout {
		return elapsed, &core.TimeoutError{Kind: core.WaitState, What: goal, Elapsed: elapsed, Limit: timeout}
	}
	return elapsed, err
}

func (s *simFS) WaitForDaemons(ctx context.Context, timeout time.Duration) error {
	_, err := s.WaitForState(ctx, core.StateActive, "", timeout)
	return err
}

func (s *simFS) MDSAsok(ctx context.Context, args ...string) (json.RawMessage, error) {
	if len(args) == 1 && args[0] == "session" {
		sessions, err := s.ListSessions(ctx)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(sessions)
		return json.RawMessage(b), err
	}
	return json.RawMessage("{}"), nil
}

func (s *simFS) GetConfigInt(ctx context.Context, key string) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	switch key {
	case "mds_reconnect_timeout":
		return int(s.t.Reconnect / time.Second), nil
	case "mds_session_timeout":
		return int(s.t.Session / time.Second), nil
	case "ms_max_backoff":
		return int(s.t.MaxBackoff / time.Second), nil
	}
	if v, ok := s.configInts[key]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("no option %s", key)
}

func (s *simFS) GetConfigSeconds(ctx context.Context, key string) (time.Duration, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	switch key {
	case "mds_reconnect_timeout":
		return s.t.Reconnect, nil
	case "mds_session_timeout":
		return s.t.Session, nil
	case "ms_max_backoff":
		return s.t.MaxBackoff, nil
	}
	if v, ok := s.configInts[key]; ok {
		return time.Duration(v) * time.Second, nil
	}
	return 0, fmt.Errorf("no option %s", key)
}

func (s *simFS) EvictSession(ctx context.Context, id int64) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.record("evict %d", id)
	if _, ok := s.sessions[id]; !ok {
		return &core.SessionNotFoundError{ID: id}
	}
	s.dropSession(id)
	return nil
}

func (s *simFS) SetClientsBlock(ctx context.Context, on bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.record("block %t", on)
	s.blocked = on
	for _, sess := range s.sessions {
		if !sess.current() || !sess.m.alive() {
			continue
		}
		if on {
			sess.silent = time.Now()
		} else {
			sess.silent = time.Time{}
		}
	}
	return nil
}

func (s *simFS) ClearFirewall(ctx context.Context) error {
	return s.SetClientsBlock(ctx, false)
}

func (s *simFS) SetConf(ctx context.Context, who, key, value string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.conf[who+"/"+key] = value
	return nil
}

func (s *simFS) ClearConf(ctx context.Context, who, key string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.conf, who+"/"+key)
	return nil
}

// Health reports clients holding more capabilities than the cache takes
// and clients that never release capabilities others wait for.
func (s *simFS) Health(ctx context.Context) (*cluster.Health, error) {
	s.lock.Lock()
	var msgs []string
	cacheSize := 0
	fmt.Sscan(s.conf["mds/mds_cache_size"], &cacheSize)
	for id, sess := range s.sessions {
		if cacheSize > 0 && sess.NumCaps > cacheSize {
			msgs = append(msgs, fmt.Sprintf("Client %d failing to respond to cache pressure", id))
		}
		if sess.noRelease && s.waitingOn[id] {
			msgs = append(msgs, fmt.Sprintf("Client %d failing to respond to capability release", id))
		}
	}
	s.lock.Unlock()

	checks := map[string]interface{}{}
	for i, m := range msgs {
		checks[fmt.Sprintf("CHECK_%d", i)] = map[string]interface{}{
			"severity": "HEALTH_WARN",
			"summary":  map[string]string{"message": m},
		}
	}
	b, _ := json.Marshal(map[string]interface{}{"status": "HEALTH_WARN", "checks": checks})
	var h cluster.Health
	return &h, json.Unmarshal(b, &h)
}

func (s *simFS) GetMDSHostnames() []string { return s.mdsHosts }

// simMount is a client of simFS.
type simMount struct {
	fs        *simFS
	id        string
	host      string
	colocated bool
	inject    bool
	powerOff  bool // Kill takes the host down, so its processes never report an exit.

	// Guarded by fs.lock.
	mounted    bool
	killed     bool
	session    int64
	background []*simProc
}

type simProc struct {
	*remote.Proc
	once sync.Once
}

func (p *simProc) finish(exit int) {
	p.once.Do(func() { p.Finish(exit, nil) })
}

type closer func() error

func (c closer) Write(b []byte) (int, error) { return len(b), nil }
func (c closer) Close() error { return c() }

func newSimMount(fs *simFS, id, host string) *simMount {
	return &simMount{fs: fs, id: id, host: host, colocated: true, inject: true}
}

// alive is true if the client is mounted and renewing. Must hold fs.lock.
func (m *simMount) alive() bool {
	return m.mounted && !m.killed
}

func (m *simMount) String() string { return "client." + m.id + "@" + m.host }
func (m *simMount) ClientID() string { return m.id }
func (m *simMount) Host() string { return m.host }
func (m *simMount) Mountpoint() string { return "/sim/mnt." + m.id }
func (m *simMount) SupportsColocatedClients() bool { return m.colocated }
func (m *simMount) SupportsConfigInjection() bool { return m.inject }

func (m *simMount) Mount(ctx context.Context) error {
	m.fs.lock.Lock()
	defer m.fs.lock.Unlock()
	if m.mounted {
		return nil
	}
	if m.fs.state == core.StateStopped {
		return errors.New("mount: mds unavailable")
	}
	m.mounted, m.killed = true, false
	m.session = m.fs.openSession(m)
	return nil
}

func (m *simMount) WaitUntilMounted(ctx context.Context) error {
	if ok, _ := m.IsMounted(ctx); !ok {
		return &core.TimeoutError{Kind: core.WaitMount, What: m.Mountpoint()}
	}
	return nil
}

func (m *simMount) Umount(ctx context.Context) error {
	return m.UmountWait(ctx, false)
}

// UmountWait closes the session when unmounting gracefully. A forced
// unmount abandons it, as if the daemon could not be reached.
func (m *simMount) UmountWait(ctx context.Context, force bool) error {
	m.fs.lock.Lock()
	defer m.fs.lock.Unlock()
	if !m.mounted {
		return nil
	}
	m.mounted = false
	if sess, ok := m.fs.sessions[m.session]; ok {
		if force {
			sess.silent = time.Now()
		} else {
			m.fs.dropSession(m.session)
		}
	}
	return nil
}

func (m *simMount) IsMounted(ctx context.Context) (bool, error) {
	m.fs.lock.Lock()
	defer m.fs.lock.Unlock()
	return m.mounted, nil
}

func (m *simMount) Cleanup(ctx context.Context) error { return nil }

func (m *simMount) Kill(ctx context.Context) error {
	m.fs.lock.Lock()
	defer m.fs.lock.Unlock()
	m.killed = true
	if sess, ok := m.fs.sessions[m.session]; ok && sess.silent.IsZero() {
		sess.silent = time.Now()
	}
	return nil
}

func (m *simMount) KillCleanup(ctx context.Context) error {
	if err := m.Teardown(ctx); err != nil {
		return err
	}
	m.fs.lock.Lock()
	defer m.fs.lock.Unlock()
	m.mounted, m.killed = false, false
	return nil
}

func (m *simMount) Teardown(ctx context.Context) error {
	m.fs.lock.Lock()
	procs := m.background
	m.background = nil
	m.fs.lock.Unlock()
	for _, p := range procs {
		if err := m.reap(ctx, p.Proc); err != nil {
			return err
		}
	}
	return nil
}

func (m *simMount) ReapBackground(ctx context.Context, proc *remote.Proc) error {
	m.fs.lock.Lock()
	for i, p := range m.background {
		if p.Proc == proc {
			m.background = append(m.background[:i:i], m.background[i+1:]...)
			break
		}
	}
	m.fs.lock.Unlock()
	return m.reap(ctx, proc)
}

// reap tolerates processes of a killed client that never exit.
func (m *simMount) reap(ctx context.Context, proc *remote.Proc) error {
	err := mount.Reap(ctx, proc, simReapTimeout)
	m.fs.lock.Lock()
	killed := m.killed
	m.fs.lock.Unlock()
	if _, ok := err.(*core.TimeoutError); ok && killed {
		return nil
	}
	return err
}

func (m *simMount) GetGlobalID(ctx context.Context) (int64, error) {
	m.fs.lock.Lock()
	defer m.fs.lock.Unlock()
	if m.session == 0 {
		return 0, errors.New("never mounted")
	}
	return m.session, nil
}

func (m *simMount) requireMounted() error {
	if !m.mounted {
		return fmt.Errorf("%s is not mounted", m)
	}
	return nil
}

func (m *simMount) CreateFiles(ctx context.Context) error {
	m.fs.lock.Lock()
	defer m.fs.lock.Unlock()
	if err := m.requireMounted(); err != nil {
		return err
	}
	for _, f := range []string{"a", "b", "c"} {
		m.fs.files[f] = true
	}
	return nil
}

func (m *simMount) CheckFiles(ctx context.Context) error {
	m.fs.lock.Lock()
	defer m.fs.lock.Unlock()
	if err := m.requireMounted(); err != nil {
		return err
	}
	for _, f := range []string{"a", "b", "c"} {
		if !m.fs.files[f] {
			return &core.MissingFileError{Path: path.Join(m.Mountpoint(), f)}
		}
	}
	return nil
}

func (m *simMount) CreateDestroy(ctx context.Context) error {
	m.fs.lock.Lock()
	defer m.fs.lock.Unlock()
	if err := m.requireMounted(); err != nil {
		return err
	}
	if m.fs.state != core.StateActive {
		return fmt.Errorf("create from %s while mds is %s", m, m.fs.state)
	}
	return nil
}

// RunShell understands "touch <file>", which takes the file's
// capabilities, and "rm -rf", which empties the filesystem.
func (m *simMount) RunShell(ctx context.Context, cmd string) (*remote.Proc, error) {
	m.fs.lock.Lock()
	defer m.fs.lock.Unlock()
	if err := m.requireMounted(); err != nil {
		return nil, err
	}
	m.fs.record("%s: %s", m.id, cmd)
	if strings.HasPrefix(cmd, "touch ") {
		name := strings.TrimPrefix(cmd, "touch ")
		m.fs.files[name] = true
		if sess := m.fs.sessions[m.session]; sess != nil && sess.noRelease {
			m.fs.holds[name] = m.session
		}
	}
	if strings.Contains(cmd, "rm -rf") {
		m.fs.files = make(map[string]bool)
		m.fs.holds = make(map[string]int64)
	}
	p := remote.NewProc(m.host, cmd, remote.RunOptions{})
	p.Finish(0, nil)
	return p, nil
}

// start creates a background operation that is killed when its stdin is
// closed, calling onKill first.
func (m *simMount) start(cmd string, onKill func()) *simProc {
	p := &simProc{Proc: remote.NewProc(m.host, cmd, remote.RunOptions{NoWait: true, Stdin: true})}
	p.Stdin = closer(func() error {
		m.fs.lock.Lock()
		down := m.killed && m.powerOff
		if !down && !p.Finished() {
			onKill()
		}
		m.fs.lock.Unlock()
		if !down {
			p.finish(1)
		}
		return nil
	})
	m.background = append(m.background, p)
	return p
}

func (m *simMount) OpenBackground(ctx context.Context, name string) (*remote.Proc, error) {
	m.fs.lock.Lock()
	defer m.fs.lock.Unlock()
	if err := m.requireMounted(); err != nil {
		return nil, err
	}
	m.fs.files[name] = true
	m.fs.holds[name] = m.session
	session := m.session
	p := m.start("open "+name, func() {
		if m.fs.holds[name] == session {
			delete(m.fs.holds, name)
		}
	})
	return p.Proc, nil
}

// WriteBackground completes once the daemon is active, the client's own
// network is up, and no other live session holds the file.
func (m *simMount) WriteBackground(ctx context.Context, name string) (*remote.Proc, error) {
	m.fs.lock.Lock()
	defer m.fs.lock.Unlock()
	if err := m.requireMounted(); err != nil {
		return nil, err
	}
	p := m.start("write "+name, func() {})
	go func() {
		for !p.Finished() {
			if m.writeMayProceed(name) {
				p.finish(0)
				return
			}
			time.Sleep(simPoll)
		}
	}()
	return p.Proc, nil
}

func (m *simMount) writeMayProceed(name string) bool {
	m.fs.lock.Lock()
	defer m.fs.lock.Unlock()
	m.fs.settle()
	if m.fs.state != core.StateActive {
		return false
	}
	if own, ok := m.fs.sessions[m.session]; !ok || !own.silent.IsZero() {
		return false
	}
	holder, held := m.fs.holds[name]
	if !held || holder == m.session {
		m.fs.files[name] = true
		return true
	}
	sess, ok := m.fs.sessions[holder]
	if !ok || sess.State == core.SessionStale {
		delete(m.fs.holds, name)
		delete(m.fs.waitingOn, holder)
		m.fs.files[name] = true
		return true
	}
	m.fs.waitingOn[holder] = true
	return false
}

// OpenNBackground pins n inodes. Letting go shrinks the client's
// capabilities to what the cache targets.
func (m *simMount) OpenNBackground(ctx context.Context, relPath string, n int) (*remote.Proc, error) {
	m.fs.lock.Lock()
	defer m.fs.lock.Unlock()
	if err := m.requireMounted(); err != nil {
		return nil, err
	}
	caps := n + 1
	if strings.Contains(relPath, "/") {
		caps++
	}
	session := m.session
	if sess := m.fs.sessions[session]; sess != nil {
		sess.NumCaps = caps
	}
	p := m.start(fmt.Sprintf("open_n %s %d", relPath, n), func() {
		cacheSize := 0
		fmt.Sscan(m.fs.conf["mds/mds_cache_size"], &cacheSize)
		if sess := m.fs.sessions[session]; sess != nil {
			sess.NumCaps = cacheSize * 8 / 10
		}
	})
	return p.Proc, nil
}

func (m *simMount) Background() []*remote.Proc {
	m.fs.lock.Lock()
	defer m.fs.lock.Unlock()
	var ret []*remote.Proc
	for _, p := range m.background {
		ret = append(ret, p.Proc)
	}
	return ret
}

func (m *simMount) WaitForVisible(ctx context.Context, name string, timeout time.Duration) error {
	_, err := retry.Poll(ctx, simPoll, timeout, func(time.Duration) (bool, error) {
		m.fs.lock.Lock()
		defer m.fs.lock.Unlock()
		return m.fs.files[name], nil
	})
	if err == retry.ErrTimeout {
		return &core.TimeoutError{Kind: core.WaitVisibility, What: name, Limit: timeout}
	}
	return err
}

// simReapTimeout bounds the wait for a terminated background operation.
const simReapTimeout = 200 * time.Millisecond

// simTimeouts are windows small enough for unit tests.
var simTimeouts = Timeouts{
	Reconnect:  300 * time.Millisecond,
	Session:    300 * time.Millisecond,
	MaxBackoff: 100 * time.Millisecond,
}

func simTestConfig() TestConfig {
	return TestConfig{
		TestPattern:    ".*",
		RestartGrace:   2 * time.Second,
		EvictGrace:     20 * time.Millisecond,
		PollInterval:   simPoll,
		VisibleTimeout: time.Second,
		ReapTimeout:    time.Second,
		CapsTimeout:    time.Second,
		LimitsPoll:     simPoll,
	}
}

// newSimRun returns a RunContext over a simulated cluster with two clients
// on different hosts.
func newSimRun(t Timeouts) (*RunContext, *simFS, *simMount, *simMount) {
	fs := newSimFS(t)
	a, b := newSimMount(fs, "0", "client0"), newSimMount(fs, "1", "client1")
	rc := NewRunContext(fs, []mount.Mount{a, b}, simTestConfig())
	rc.Timeouts = t
	rc.Handler = NopHandler{}
	return rc, fs, a, b
}
