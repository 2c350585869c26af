// Package sysinfo reports how loaded the broker's host is. Backends run on
// the same machine as the broker, so /health exposes these figures next to
// the session counts.
package sysinfo

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

const defaultCacheTTL = 5 * time.Second

// Host is a point-in-time view of host resources.
type Host struct {
	LoadAvg1      float64 `json:"loadAvg1"`
	LoadAvg5      float64 `json:"loadAvg5"`
	NumCPU        int     `json:"numCpu"`
	MemoryPercent float64 `json:"memoryPercent"`
	DiskPercent   float64 `json:"diskPercent"`
	DiskPath      string  `json:"diskPath"`
}

// Config configures a Collector.
type Config struct {
	// DiskPath is the filesystem whose usage is reported. Defaults to "/".
	DiskPath string
	CacheTTL time.Duration
}

// Collector reads procfs and caches the result for CacheTTL, so health
// checks can poll it freely.
type Collector struct {
	diskPath string
	ttl      time.Duration

	mu       sync.Mutex
	cached   *Host
	cachedAt time.Time

	readFile func(path string) (string, error)
	statFS   func(path string) (*syscall.Statfs_t, error)
}

// NewCollector creates a Collector.
func NewCollector(cfg Config) *Collector {
	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	return &Collector{
		diskPath: cfg.DiskPath,
		ttl:      cfg.CacheTTL,
		readFile: readFile,
		statFS:   statFS,
	}
}

// Collect returns current host figures.
func (c *Collector) Collect() (Host, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && time.Since(c.cachedAt) < c.ttl {
		return *c.cached, nil
	}

	loadavg, err := c.readFile("/proc/loadavg")
	if err != nil {
		return Host{}, fmt.Errorf("loadavg: %w", err)
	}
	meminfo, err := c.readFile("/proc/meminfo")
	if err != nil {
		return Host{}, fmt.Errorf("meminfo: %w", err)
	}
	stat, err := c.statFS(c.diskPath)
	if err != nil {
		return Host{}, fmt.Errorf("statfs %s: %w", c.diskPath, err)
	}

	h := Host{
		NumCPU:        runtime.NumCPU(),
		MemoryPercent: ParseMemInfo(meminfo),
		DiskPercent:   diskPercent(stat),
		DiskPath:      c.diskPath,
	}
	h.LoadAvg1, h.LoadAvg5 = ParseLoadAvg(loadavg)

	c.cached = &h
	c.cachedAt = time.Now()
	return h, nil
}

// ParseLoadAvg returns the 1 and 5 minute load averages from /proc/loadavg.
func ParseLoadAvg(content string) (float64, float64) {
	fields := strings.Fields(content)
	var one, five float64
	if len(fields) >= 1 {
		one, _ = strconv.ParseFloat(fields[0], 64)
	}
	if len(fields) >= 2 {
		five, _ = strconv.ParseFloat(fields[1], 64)
	}
	return one, five
}

// ParseMemInfo returns used memory as a percentage of MemTotal.
func ParseMemInfo(content string) float64 {
	fields := make(map[string]uint64)
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		key, val, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(val), "kB"))
		n, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			continue
		}
		fields[strings.TrimSpace(key)] = n
	}

	total := fields["MemTotal"]
	available, ok := fields["MemAvailable"]
	if !ok {
		// Older kernels
		available = fields["MemFree"] + fields["Buffers"] + fields["Cached"]
	}
	if total == 0 || available >= total {
		return 0
	}
	return roundTo(float64(total-available)/float64(total)*100, 1)
}

func diskPercent(stat *syscall.Statfs_t) float64 {
	total := stat.Blocks * uint64(stat.Bsize)
	if total == 0 {
		return 0
	}
	used := total - stat.Bfree*uint64(stat.Bsize)
	return roundTo(float64(used)/float64(total)*100, 1)
}

func roundTo(val float64, places int) float64 {
	pow := math.Pow(10, float64(places))
	return math.Round(val*pow) / pow
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func statFS(path string) (*syscall.Statfs_t, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return nil, err
	}
	return &stat, nil
}
