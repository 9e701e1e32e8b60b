package server

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/parallel-checker/internal/transport"
)

// Config controls the coordinator's listeners and run bookkeeping.
// The zero value runs in full-exploration mode; DefaultConfig enables
// stop-on-first-bug.
type Config struct {
	ListenAddr      string `yaml:"listen_addr"`       // primary channel (gRPC)
	HTTPAddr        string `yaml:"http_addr"`         // back-channel and /metrics
	AdvertiseHTTP   string `yaml:"advertise_http"`    // back-channel address sent to workers; default HTTP listener
	ServiceName     string `yaml:"service_name"`      // answer discovery broadcasts for this name when set
	DiscoveryAddr   string `yaml:"discovery_addr"`    // UDP discovery listener
	ExpectedWorkers int    `yaml:"expected_workers"`  // completion waits for this many handshakes; 0 disables
	ArtifactDir     string `yaml:"artifact_dir"`      // inline traces and summary.json
	JournalPath     string `yaml:"journal_path"`      // run journal; empty disables
	JournalSync     bool   `yaml:"journal_sync"`      // fsync every journal record
	StopOnFirstBug  bool   `yaml:"stop_on_first_bug"` // tell peers to stop once any worker finds a bug

	LivenessTimeout time.Duration `yaml:"liveness_timeout"` // Active → Dead without heartbeats
	SweepInterval   time.Duration `yaml:"sweep_interval"`   // liveness check period
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // graceful stop bound
}

// DefaultConfig returns the defaults used by the CLI.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":50051",
		HTTPAddr:        ":50053",
		DiscoveryAddr:   fmt.Sprintf(":%d", transport.DefaultDiscoveryPort),
		ArtifactDir:     "pcheck-artifacts",
		StopOnFirstBug:  true,
		LivenessTimeout: 10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = d.HTTPAddr
	}
	if c.DiscoveryAddr == "" {
		c.DiscoveryAddr = d.DiscoveryAddr
	}
	if c.ArtifactDir == "" {
		c.ArtifactDir = d.ArtifactDir
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = d.LivenessTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.LivenessTimeout / 4
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}
