// Package config loads the node's static configuration and derives the
// startup-time resource ceilings (MAX_JOBS) from it and the host's
// reported CPU/memory capacity.
package config

import (
	"fmt"
	"math"
	"os"

	"github.com/lattice-edge/fairshare/pkg/types"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"gopkg.in/yaml.v3"
)

// Config is the immutable, once-built configuration value passed
// explicitly to the Scheduler and Monitor. Nothing below is mutated
// after Load returns.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	MaxQueue int `yaml:"max_queue"`

	PortLower int `yaml:"port_lower"`
	PortUpper int `yaml:"port_upper"`

	MaxCPU   int `yaml:"max_cpu"`
	BaseCPU  int `yaml:"base_cpu"`
	BaseMem  int `yaml:"base_mem"`
	CPUUnit  int `yaml:"cpu_unit"`
	MemUnit  int `yaml:"mem_unit"`

	Strategy types.Strategy `yaml:"strategy"`

	DataDir string `yaml:"data_dir"`
	CertDir string `yaml:"cert_dir"`

	// MaxJobs is derived, not read from the file; see deriveMaxJobs.
	MaxJobs int `yaml:"-"`

	// Cores is the host's logical core count, cached at load time so
	// the admission gate does not re-probe it on every loop iteration.
	Cores int `yaml:"-"`
}

// Load reads path as YAML, validates it, and derives MaxJobs from the
// configured units and the host's reported resources. A malformed or
// out-of-range configuration is a fatal ConfigurationError: the caller
// should exit non-zero rather than attempt to run with it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if err := cfg.deriveMaxJobs(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Host:      "0.0.0.0",
		Port:      9000,
		MaxQueue:  10,
		PortLower: 30000,
		PortUpper: 40000,
		MaxCPU:    100000,
		BaseCPU:   10000,
		BaseMem:   512,
		CPUUnit:   10000,
		MemUnit:   256,
		Strategy:  types.StrategyFIFO,
		DataDir:   "./data",
		CertDir:   "./certs",
	}
}

func (c *Config) validate() error {
	if !c.Strategy.Valid() {
		return fmt.Errorf("configuration error: strategy %d is not one of 0..3", c.Strategy)
	}
	if c.PortLower <= 0 || c.PortUpper <= c.PortLower {
		return fmt.Errorf("configuration error: port range [%d, %d] is invalid", c.PortLower, c.PortUpper)
	}
	if c.MaxQueue < 0 {
		return fmt.Errorf("configuration error: max_queue must be >= 0")
	}
	if c.CPUUnit <= 0 || c.MemUnit <= 0 || c.MaxCPU <= 0 {
		return fmt.Errorf("configuration error: cpu_unit, mem_unit and max_cpu must be positive")
	}
	return nil
}

// deriveMaxJobs mirrors EFS's read_config: MAX_JOBS is the smaller of
// the CPU-bound and memory-bound concurrent-job ceilings.
func (c *Config) deriveMaxJobs() error {
	counts, err := cpu.Counts(true)
	if err != nil {
		return fmt.Errorf("probe cpu count: %w", err)
	}
	c.Cores = counts

	vm, err := mem.VirtualMemory()
	if err != nil {
		return fmt.Errorf("probe memory: %w", err)
	}

	maxCPUJobs := int(math.Floor(float64(c.MaxCPU*c.Cores-c.BaseCPU) / float64(c.CPUUnit)))
	totalMemMiB := vm.Total / 1024 / 1024
	maxMemJobs := int(math.Floor((float64(totalMemMiB) - float64(c.BaseMem)) / float64(c.MemUnit)))

	if maxCPUJobs < maxMemJobs {
		c.MaxJobs = maxCPUJobs
	} else {
		c.MaxJobs = maxMemJobs
	}

	if c.MaxJobs < 0 {
		c.MaxJobs = 0
	}
	return nil
}
