// Package platform reports process CPU pressure relative to its
// container allocation, adapted from the teacher's cgroup-aware CPU
// monitor. A polling loop like the OPC-UA sampler must not starve the
// host it runs on, so the same measurement the teacher used to gate its
// Kafka consumer backs a pressure gate here.
package platform

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// CgroupStats is one cgroup's quota/period and cumulative throttling
// counters, read straight from the filesystem.
type CgroupStats struct {
	Version      int
	Path         string
	Quota        int64
	Period       int64
	Allocated    float64 // Quota/Period, or NumCPU() when no quota is set
	LastUsageUs  uint64
	NrPeriods    uint64
	NrThrottled  uint64
	ThrottledSec float64
}

func detectCgroupPath() (path string, version int, err error) {
	file, err := os.Open("/proc/self/cgroup")
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), ":")
		if len(parts) != 3 {
			continue
		}
		if parts[0] == "0" && parts[1] == "" {
			return "/sys/fs/cgroup" + parts[2], 2, nil
		}
		if strings.Contains(parts[1], "cpu") {
			return "/sys/fs/cgroup/cpu" + parts[2], 1, nil
		}
	}
	return "", 0, fmt.Errorf("platform: could not detect cgroup path")
}

func readCPUQuota(path string, version int) (quota, period int64, err error) {
	if version == 2 {
		data, err := os.ReadFile(path + "/cpu.max")
		if err != nil {
			return 0, 0, err
		}
		fields := strings.Fields(string(data))
		if len(fields) != 2 {
			return 0, 0, fmt.Errorf("platform: unexpected cpu.max format %q", string(data))
		}
		if fields[0] == "max" {
			return -1, 0, nil
		}
		quota, err = strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		period, err = strconv.ParseInt(fields[1], 10, 64)
		return quota, period, err
	}

	quotaData, err := os.ReadFile(path + "/cpu.cfs_quota_us")
	if err != nil {
		return 0, 0, err
	}
	periodData, err := os.ReadFile(path + "/cpu.cfs_period_us")
	if err != nil {
		return 0, 0, err
	}
	quota, err = strconv.ParseInt(strings.TrimSpace(string(quotaData)), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	period, err = strconv.ParseInt(strings.TrimSpace(string(periodData)), 10, 64)
	return quota, period, err
}

func readCPUUsageUs(path string, version int) (uint64, error) {
	if version == 2 {
		file, err := os.Open(path + "/cpu.stat")
		if err != nil {
			return 0, err
		}
		defer file.Close()

		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) == 2 && fields[0] == "usage_usec" {
				return strconv.ParseUint(fields[1], 10, 64)
			}
		}
		return 0, fmt.Errorf("platform: usage_usec not found in cpu.stat")
	}

	data, err := os.ReadFile(path + "/cpuacct.usage")
	if err != nil {
		return 0, err
	}
	nsec, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, err
	}
	return nsec / 1000, nil
}

func readThrottleStats(path string, version int) (nrPeriods, nrThrottled uint64, throttledSec float64, err error) {
	file, err := os.Open(path + "/cpu.stat")
	if err != nil {
		return 0, 0, 0, err
	}
	defer file.Close()

	divisor := 1000000.0 // v2 fields are in usec
	if version == 1 {
		divisor = 1000000000.0 // v1's throttled_time is in nsec
	}

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		value, _ := strconv.ParseUint(fields[1], 10, 64)
		switch fields[0] {
		case "nr_periods":
			nrPeriods = value
		case "nr_throttled":
			nrThrottled = value
		case "throttled_usec", "throttled_time":
			throttledSec = float64(value) / divisor
		}
	}
	return nrPeriods, nrThrottled, throttledSec, nil
}

// CPUSampler tracks cumulative cgroup CPU usage between calls to
// Percent, converting the delta into a percentage normalized against
// the container's allocated CPUs. Falls back to host-wide measurement
// via gopsutil when no cgroup can be detected (bare-metal, local dev).
type CPUSampler struct {
	mu sync.Mutex

	cgroup        *CgroupStats
	lastSampledAt time.Time
}

// NewCPUSampler detects the current cgroup (v1 or v2) and seeds the
// first usage sample. Returns a sampler with cgroup == nil if detection
// fails; Percent then falls back to gopsutil.
func NewCPUSampler() *CPUSampler {
	s := &CPUSampler{lastSampledAt: time.Now()}

	path, version, err := detectCgroupPath()
	if err != nil {
		return s
	}
	quota, period, err := readCPUQuota(path, version)
	if err != nil {
		return s
	}
	usage, err := readCPUUsageUs(path, version)
	if err != nil {
		return s
	}

	allocated := float64(runtime.NumCPU())
	if quota > 0 && period > 0 {
		allocated = float64(quota) / float64(period)
	}

	s.cgroup = &CgroupStats{
		Version:     version,
		Path:        path,
		Quota:       quota,
		Period:      period,
		Allocated:   allocated,
		LastUsageUs: usage,
	}
	return s
}

// Percent returns CPU usage normalized to the allocated CPU count
// (0-100 under the cap, higher if throttled), the CPUs allocated, and
// cumulative throttling counters. Uses gopsutil host CPU measurement
// when no cgroup was detected.
func (s *CPUSampler) Percent() (percent, allocated float64, throttledSec float64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cgroup == nil {
		hostPercent, err := cpu.Percent(100*time.Millisecond, false)
		if err != nil {
			return 0, float64(runtime.NumCPU()), 0, err
		}
		if len(hostPercent) == 0 {
			return 0, float64(runtime.NumCPU()), 0, fmt.Errorf("platform: no host CPU sample")
		}
		return hostPercent[0], float64(runtime.NumCPU()), 0, nil
	}

	now := time.Now()
	elapsedUs := now.Sub(s.lastSampledAt).Microseconds()
	if elapsedUs <= 0 {
		return 0, s.cgroup.Allocated, s.cgroup.ThrottledSec, fmt.Errorf("platform: sample interval too small")
	}

	currentUsage, err := readCPUUsageUs(s.cgroup.Path, s.cgroup.Version)
	if err != nil {
		return 0, s.cgroup.Allocated, s.cgroup.ThrottledSec, err
	}
	deltaUsage := currentUsage - s.cgroup.LastUsageUs
	rawPercent := (float64(deltaUsage) / float64(elapsedUs)) * 100.0
	percent = rawPercent / s.cgroup.Allocated

	if _, nrThrottled, throttled, terr := readThrottleStats(s.cgroup.Path, s.cgroup.Version); terr == nil {
		s.cgroup.NrThrottled = nrThrottled
		s.cgroup.ThrottledSec = throttled
	}

	s.cgroup.LastUsageUs = currentUsage
	s.lastSampledAt = now
	return percent, s.cgroup.Allocated, s.cgroup.ThrottledSec, nil
}
