// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package config loads the run file describing the cluster under test and
// how to reach it.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	shlex "github.com/flynn-archive/go-shlex"
	"gopkg.in/yaml.v3"

	"github.com/westerndigitalcorporation/testfs/internal/cluster"
	"github.com/westerndigitalcorporation/testfs/internal/failimpl"
	"github.com/westerndigitalcorporation/testfs/internal/remote"
)

// Client drivers.
const (
	DriverFuse   = "fuse"
	DriverKernel = "kernel"
)

// Config is the run file.
type Config struct {
	SSH         SSHConfig         `yaml:"ssh"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	TestDir     string            `yaml:"test_dir"`
	Clients     []ClientConfig    `yaml:"clients"`
	IPMI        IPMIConfig        `yaml:"ipmi"`
	Timeouts    TimeoutConfig     `yaml:"timeouts"`
	ObjectStore ObjectStoreConfig `yaml:"objectstore"`
}

// SSHConfig is how hosts are reached.
type SSHConfig struct {
	User        string        `yaml:"user"`
	KeyFile     string        `yaml:"key_file"`
	KnownHosts  string        `yaml:"known_hosts"` // empty: host keys are not verified
	Port        int           `yaml:"port"`
	Proxy       string        `yaml:"proxy"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	MaxConns    int           `yaml:"max_conns"`
	Retries     int           `yaml:"connect_retries"`
}

// DaemonConfig places one daemon.
type DaemonConfig struct {
	ID   string `yaml:"id"`
	Host string `yaml:"host"`
}

// ClusterConfig describes the daemons.
type ClusterConfig struct {
	Name         string         `yaml:"name"`
	AdminHost    string         `yaml:"admin_host"`
	UnitTemplate string         `yaml:"unit_template"`
	Monitors     []string       `yaml:"monitors"` // for kernel mounts
	MDS          []DaemonConfig `yaml:"mds"`
	OSD          []DaemonConfig `yaml:"osd"`
}

// ClientConfig is one client mount.
type ClientConfig struct {
	ID       string `yaml:"id"`
	Host     string `yaml:"host"`
	Driver   string `yaml:"driver"`    // fuse (default) or kernel
	FuseArgs string `yaml:"fuse_args"` // split with shell quoting rules
}

// IPMIConfig holds the credentials used to power cycle kernel client hosts.
type IPMIConfig struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Domain   string `yaml:"domain"`
}

// TimeoutConfig overrides harness timeouts. Zero values keep the defaults.
type TimeoutConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	MountTimeout   time.Duration `yaml:"mount_timeout"`
	ReapTimeout    time.Duration `yaml:"reap_timeout"`
	RestartGrace   time.Duration `yaml:"restart_grace"`
	EvictGrace     time.Duration `yaml:"evict_grace"`
	VisibleTimeout time.Duration `yaml:"visible_timeout"`
	BootTimeout    time.Duration `yaml:"boot_timeout"`
}

// ObjectStoreConfig tunes the object store verification.
type ObjectStoreConfig struct {
	Pool      string `yaml:"pool"`
	Objects   int    `yaml:"objects"`
	PGNum     int    `yaml:"pg_num"`
	DataDir   string `yaml:"data_dir"`
	LineCount int    `yaml:"line_count"`
}

// Load reads and parses a run file. ${VAR} references are expanded from
// the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse parses the contents of a run file.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.SSH.User == "" {
		c.SSH.User = os.Getenv("USER")
	}
	if c.SSH.KeyFile == "" {
		c.SSH.KeyFile = os.ExpandEnv("${HOME}/.ssh/id_rsa")
	}
	if c.Cluster.Name == "" {
		c.Cluster.Name = "ceph"
	}
	if c.Cluster.AdminHost == "" && len(c.Cluster.MDS) > 0 {
		c.Cluster.AdminHost = c.Cluster.MDS[0].Host
	}
	if c.TestDir == "" {
		c.TestDir = "/home/ubuntu/cephtest"
	}
	for i := range c.Clients {
		if c.Clients[i].Driver == "" {
			c.Clients[i].Driver = DriverFuse
		}
	}
	if c.ObjectStore.DataDir == "" {
		c.ObjectStore.DataDir = c.TestDir + "/data/objectstore"
	}
}

// Validate checks that the run file describes a usable cluster.
func (c *Config) Validate() error {
	if len(c.Cluster.MDS) == 0 {
		return fmt.Errorf("config: cluster.mds must name at least one daemon")
	}
	if err := checkDaemons("cluster.mds", c.Cluster.MDS); err != nil {
		return err
	}
	if err := checkDaemons("cluster.osd", c.Cluster.OSD); err != nil {
		return err
	}
	ids := make(map[string]bool)
	kernel := false
	for i, cl := range c.Clients {
		if cl.ID == "" || cl.Host == "" {
			return fmt.Errorf("config: clients[%d] needs an id and a host", i)
		}
		if ids[cl.ID] {
			return fmt.Errorf("config: client id %q is used twice", cl.ID)
		}
		ids[cl.ID] = true
		switch cl.Driver {
		case DriverFuse:
		case DriverKernel:
			kernel = true
		default:
			return fmt.Errorf("config: clients[%d].driver %q is neither %s nor %s", i, cl.Driver, DriverFuse, DriverKernel)
		}
		if _, err := shlex.Split(cl.FuseArgs); err != nil {
			return fmt.Errorf("config: clients[%d].fuse_args: %w", i, err)
		}
	}
	if kernel && len(c.Cluster.Monitors) == 0 {
		return fmt.Errorf("config: kernel clients need cluster.monitors")
	}
	return nil
}

func checkDaemons(what string, ds []DaemonConfig) error {
	for i, d := range ds {
		if d.ID == "" || d.Host == "" {
			return fmt.Errorf("config: %s[%d] needs an id and a host", what, i)
		}
	}
	return nil
}

// Topology returns the cluster description used by the admin tools.
func (c *Config) Topology() *cluster.Config {
	daemons := func(typ string, ds []DaemonConfig) (out []cluster.Daemon) {
		for _, d := range ds {
			out = append(out, cluster.Daemon{Type: typ, ID: d.ID, Host: d.Host})
		}
		return
	}
	cc := &cluster.Config{
		Name:      c.Cluster.Name,
		AdminHost: c.Cluster.AdminHost,
		MDS:       daemons("mds", c.Cluster.MDS),
		OSD:       daemons("osd", c.Cluster.OSD),
	}
	for _, cl := range c.Clients {
		cc.Clients = append(cc.Clients, cl.Host)
	}
	return cc
}

// RemoteConfig returns the ssh settings.
func (c *Config) RemoteConfig() remote.SSHConfig {
	return remote.SSHConfig{
		User:           c.SSH.User,
		KeyFile:        c.SSH.KeyFile,
		KnownHostsFile: c.SSH.KnownHosts,
		Port:           c.SSH.Port,
		Proxy:          c.SSH.Proxy,
		DialTimeout:    c.SSH.DialTimeout,
		MaxConns:       c.SSH.MaxConns,
		ConnectRetries: c.SSH.Retries,
	}
}

// PowerConfig returns the power control credentials.
func (c *Config) PowerConfig() failimpl.IPMIConfig {
	return failimpl.IPMIConfig{User: c.IPMI.User, Password: c.IPMI.Password, Domain: c.IPMI.Domain}
}

// ExtraArgs returns the split fuse_args of a client.
func (cl ClientConfig) ExtraArgs() []string {
	args, _ := shlex.Split(cl.FuseArgs)
	return args
}
