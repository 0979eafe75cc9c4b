// Package config defines portod's process-wide configuration and the
// CoreContext type, which bundles a Config with the daemon start time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk daemon configuration, loaded once by main, which
// passes its fields to each component's constructor.
type Config struct {
	// SocketPath is the Unix stream socket the RPC router listens on.
	SocketPath string `yaml:"socket_path"`

	// KvRoot is the tmpfs mount point backing pkg/kvstore (§4.5/§6.3).
	KvRoot string `yaml:"kv_root"`

	// RegCachePath is the bbolt file backing pkg/regcache's secondary index.
	RegCachePath string `yaml:"regcache_path"`

	// CgroupRoot is the cgroupfs mount point; containers live under
	// <CgroupRoot>/<controller>/porto/<name> (§6.4).
	CgroupRoot string `yaml:"cgroup_root"`

	// PidFile and ReaperPidFile are the well-known paths from §6.2.
	PidFile       string `yaml:"pid_file"`
	ReaperPidFile string `yaml:"reaper_pid_file"`

	LogPath  string `yaml:"log_path"`
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// PhysicalMemory and GuaranteeReserve bound the tree-wide memory
	// guarantee invariant (spec §3, testable property 4).
	PhysicalMemory   int64 `yaml:"physical_memory"`
	GuaranteeReserve int64 `yaml:"guarantee_reserve"`

	// MaxTotalContainers caps Holder.Create (§4.1).
	MaxTotalContainers int `yaml:"max_total_containers"`

	// MaxContainerIDs bounds the IdMap namespace ([1..N], §3).
	MaxContainerIDs int `yaml:"max_container_ids"`

	DefaultAgingTime   time.Duration `yaml:"default_aging_time"`
	DefaultStopTimeout time.Duration `yaml:"default_stop_timeout"`

	// NetClassHandleBase is the first htb minor id pkg/netcls hands out;
	// every class shares major 1 (TcHandle(1, n) per the open question in
	// spec §9).
	NetClassHandleBase uint16 `yaml:"net_class_handle_base"`

	// SuperuserGIDs are gids treated as privileged for SuperuserOnly
	// properties and cross-uid container operations.
	SuperuserGIDs []uint32 `yaml:"superuser_gids"`

	// WorkerPoolSize is the fixed RPC worker pool size (§5).
	WorkerPoolSize int `yaml:"worker_pool_size"`

	// MetricsAddr is the listen address for the Prometheus /metrics
	// endpoint. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the configuration used when no file is present, suitable
// for local development and for tests.
func Default() *Config {
	return &Config{
		SocketPath:         "/run/portod/portod.sock",
		KvRoot:             "/run/portod/kv",
		RegCachePath:       "/run/portod/regcache.db",
		CgroupRoot:         "/sys/fs/cgroup",
		PidFile:            "/run/portod/portod.pid",
		ReaperPidFile:      "/run/portod/portod-reaper.pid",
		LogPath:            "/var/log/portod/portod.log",
		LogLevel:           "info",
		LogJSON:            true,
		PhysicalMemory:     0, // 0 => detected from /proc/meminfo at startup
		GuaranteeReserve:   256 * 1024 * 1024,
		MaxTotalContainers: 4096,
		MaxContainerIDs:    4096,
		DefaultAgingTime:   10 * time.Minute,
		DefaultStopTimeout: 10 * time.Second,
		NetClassHandleBase: 1,
		WorkerPoolSize:     16,
		MetricsAddr:        "127.0.0.1:9090",
	}
}

// Load reads a YAML config file, filling in defaults for anything unset.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// DetectPhysicalMemory reads /proc/meminfo's MemTotal line, returned in
// bytes, for the PhysicalMemory=0 ("detected at startup") default.
func DetectPhysicalMemory() (int64, error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, fmt.Errorf("read /proc/meminfo: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("malformed MemTotal line %q", line)
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse MemTotal value %q: %w", fields[1], err)
		}
		return kb * 1024, nil
	}
	return 0, fmt.Errorf("no MemTotal line in /proc/meminfo")
}

// CoreContext bundles a loaded Config with the time it was built.
// cmd/portod does not build one: its components receive individual Config
// fields through their constructors.
type CoreContext struct {
	Config *Config

	// StartedAt records when New was called. No data value reads it.
	StartedAt time.Time
}

// New builds a CoreContext from a loaded Config.
func New(cfg *Config) *CoreContext {
	return &CoreContext{Config: cfg, StartedAt: time.Now()}
}
