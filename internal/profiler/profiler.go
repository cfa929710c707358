// Package profiler reports the node inventory sent in the agent handshake.
package profiler

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
)

var memTotalPattern = regexp.MustCompile(`(?m)^MemTotal:\s*(\d+)\s*kB$`)

// Profiler reads hardware information from procfs and devfs.
type Profiler struct {
	MemInfo string // /proc/meminfo
	CPUInfo string // /proc/cpuinfo
	DevDir  string // /dev
}

// New returns a profiler reading the live system.
func New() *Profiler {
	return &Profiler{MemInfo: "/proc/meminfo", CPUInfo: "/proc/cpuinfo", DevDir: "/dev"}
}

// Inventory is the node's hardware summary.
type Inventory struct {
	CPUs   int
	GPUs   int
	Memory int64 // bytes
}

// Inventory collects cpus, gpus and memory. Memory is required; the other
// counts fall back to best-effort values.
func (p *Profiler) Inventory() (Inventory, error) {
	mem, err := p.MemoryBytes()
	if err != nil {
		return Inventory{}, err
	}
	return Inventory{CPUs: p.CPUs(), GPUs: p.GPUs(), Memory: mem}, nil
}

// MemoryBytes returns MemTotal. The kernel labels it kB but means KiB.
func (p *Profiler) MemoryBytes() (int64, error) {
	data, err := os.ReadFile(p.MemInfo)
	if err != nil {
		return 0, fmt.Errorf("failed to read meminfo: %w", err)
	}
	m := memTotalPattern.FindSubmatch(data)
	if m == nil {
		return 0, fmt.Errorf("no MemTotal in %s", p.MemInfo)
	}
	kib, err := strconv.ParseInt(string(m[1]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid MemTotal: %w", err)
	}
	return kib * 1024, nil
}

// CPUs counts the processor entries of cpuinfo, or runtime.NumCPU when it
// cannot be read.
func (p *Profiler) CPUs() int {
	data, err := os.ReadFile(p.CPUInfo)
	if err != nil {
		return runtime.NumCPU()
	}
	n := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if bytes.HasPrefix(scanner.Bytes(), []byte("processor")) {
			n++
		}
	}
	if n == 0 {
		return runtime.NumCPU()
	}
	return n
}

// GPUs counts NVIDIA device nodes.
func (p *Profiler) GPUs() int {
	matches, _ := filepath.Glob(filepath.Join(p.DevDir, "nvidia[0-9]*"))
	return len(matches)
}
