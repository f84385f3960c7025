package monitoring

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// SystemMetrics is a point-in-time view of host and process resources
type SystemMetrics struct {
	Timestamp time.Time `json:"timestamp"`

	CPUPercent    float64    `json:"cpu_percent"`
	NumCPU        int        `json:"num_cpu"`
	LoadAverage   [3]float64 `json:"load_average"`
	UptimeSeconds int64      `json:"uptime_seconds"`

	MemoryTotalBytes uint64  `json:"memory_total_bytes"`
	MemoryUsedBytes  uint64  `json:"memory_used_bytes"`
	MemoryPercent    float64 `json:"memory_percent"`

	ProcessRSSBytes   int64   `json:"process_rss_bytes"`
	ProcessVMBytes    int64   `json:"process_vm_bytes"`
	ProcessCPUSeconds float64 `json:"process_cpu_seconds"`
	OpenFDs           int     `json:"open_fds"`
	MaxFDs            int     `json:"max_fds"`

	Goroutines int    `json:"goroutines"`
	HeapBytes  uint64 `json:"heap_bytes"`
	NumGC      uint32 `json:"num_gc"`
}

type cpuSample struct {
	idle  uint64
	total uint64
}

// SystemCollector samples host metrics. CPU percent is the busy share of
// jiffies between two consecutive calls; the first call reports 0.
type SystemCollector struct {
	procRoot string

	mu   sync.Mutex
	last *cpuSample
}

// NewSystemCollector creates a collector reading from /proc
func NewSystemCollector() *SystemCollector {
	return &SystemCollector{procRoot: "/proc"}
}

// Collect gathers the current metrics. Sources that are unavailable on this
// host are left at zero (or -1 for per-process counters).
func (c *SystemCollector) Collect(ctx context.Context) (*SystemMetrics, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m := &SystemMetrics{
		Timestamp:  time.Now(),
		NumCPU:     runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
		OpenFDs:    c.openFDs(),
		MaxFDs:     maxFDs(),
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.HeapBytes = mem.HeapAlloc
	m.NumGC = mem.NumGC

	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err == nil {
		unit := uint64(info.Unit)
		if unit == 0 {
			unit = 1
		}
		m.MemoryTotalBytes = uint64(info.Totalram) * unit
		free := (uint64(info.Freeram) + uint64(info.Bufferram)) * unit
		if m.MemoryTotalBytes > free {
			m.MemoryUsedBytes = m.MemoryTotalBytes - free
		}
		if m.MemoryTotalBytes > 0 {
			m.MemoryPercent = float64(m.MemoryUsedBytes) / float64(m.MemoryTotalBytes) * 100
		}
		m.UptimeSeconds = int64(info.Uptime)
		for i := range m.LoadAverage {
			m.LoadAverage[i] = float64(info.Loads[i]) / float64(1<<unix.SI_LOAD_SHIFT)
		}
	}

	m.ProcessVMBytes, m.ProcessRSSBytes = c.processMemory()
	m.ProcessCPUSeconds = processCPUTime()

	if sample, err := c.readCPU(); err == nil {
		m.CPUPercent = c.cpuPercent(sample)
	}

	return m, nil
}

func (c *SystemCollector) cpuPercent(cur *cpuSample) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.last
	c.last = cur
	if prev == nil || cur.total <= prev.total {
		return 0
	}

	total := cur.total - prev.total
	idle := cur.idle - prev.idle
	if idle > total {
		return 0
	}
	return float64(total-idle) / float64(total) * 100
}

// readCPU parses the aggregate cpu line of /proc/stat
func (c *SystemCollector) readCPU() (*cpuSample, error) {
	file, err := os.Open(c.procRoot + "/stat")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}

		sample := &cpuSample{}
		for i, field := range fields[1:] {
			v, err := strconv.ParseUint(field, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid cpu field %q: %w", field, err)
			}
			sample.total += v
			// idle and iowait
			if i == 3 || i == 4 {
				sample.idle += v
			}
		}
		return sample, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("cpu line not found")
}

// processMemory returns virtual and resident memory size in bytes
func (c *SystemCollector) processMemory() (int64, int64) {
	file, err := os.Open(c.procRoot + "/self/status")
	if err != nil {
		return -1, -1
	}
	defer file.Close()

	var vmSize, rssSize int64 = -1, -1
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "VmSize:") {
			if size, err := parseMemoryLine(line); err == nil {
				vmSize = size * 1024
			}
		} else if strings.HasPrefix(line, "VmRSS:") {
			if size, err := parseMemoryLine(line); err == nil {
				rssSize = size * 1024
			}
		}

		if vmSize >= 0 && rssSize >= 0 {
			break
		}
	}

	return vmSize, rssSize
}

func (c *SystemCollector) openFDs() int {
	entries, err := os.ReadDir(c.procRoot + "/self/fd")
	if err != nil {
		return -1
	}
	return len(entries)
}

func parseMemoryLine(line string) (int64, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, fmt.Errorf("invalid memory line format")
	}
	return strconv.ParseInt(fields[1], 10, 64)
}

func processCPUTime() float64 {
	var rusage unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &rusage); err != nil {
		return -1
	}

	userTime := float64(rusage.Utime.Sec) + float64(rusage.Utime.Usec)/1e6
	sysTime := float64(rusage.Stime.Sec) + float64(rusage.Stime.Usec)/1e6
	return userTime + sysTime
}

func maxFDs() int {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return -1
	}
	return int(rlimit.Cur)
}
