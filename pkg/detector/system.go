package detector

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/capacityd/capacityd/pkg/clock"
)

// Config holds system detector configuration.
type Config struct {
	Interval        time.Duration `json:"interval" yaml:"interval" mapstructure:"interval"`
	WarningPercent  float64       `json:"warning_percent" yaml:"warning_percent" mapstructure:"warning_percent"`
	CriticalPercent float64       `json:"critical_percent" yaml:"critical_percent" mapstructure:"critical_percent"`
	DiskPath        string        `json:"disk_path" yaml:"disk_path" mapstructure:"disk_path"`
	AlertCooldown   time.Duration `json:"alert_cooldown" yaml:"alert_cooldown" mapstructure:"alert_cooldown"`
}

// DefaultConfig returns default detector settings.
func DefaultConfig() Config {
	return Config{
		Interval:        5 * time.Second,
		WarningPercent:  80.0,
		CriticalPercent: 90.0,
		DiskPath:        "/",
		AlertCooldown:   time.Minute,
	}
}

// SystemDetector samples host memory, CPU and disk availability from the
// local system.
type SystemDetector struct {
	mu         sync.RWMutex
	config     Config
	clk        clock.Clock
	ticker     clock.Ticker
	stopCh     chan struct{}
	running    bool
	disposed   bool
	wg         sync.WaitGroup
	updateCbs  []UpdateCallback
	alertCbs   []AlertCallback
	lastKnown  Availability
	hasSample  bool
	lastAlerts map[string]time.Time
}

// NewSystemDetector creates a detector over the given clock.
func NewSystemDetector(config Config, clk clock.Clock) *SystemDetector {
	return &SystemDetector{
		config:     config,
		clk:        clk,
		lastAlerts: make(map[string]time.Time),
	}
}

// Start begins the periodic sampling loop.
func (d *SystemDetector) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running || d.disposed {
		return
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.ticker = d.clk.NewTicker(d.config.Interval)

	d.wg.Add(1)
	go d.sampleLoop(d.ticker, d.stopCh)

	log.Info().
		Dur("interval", d.config.Interval).
		Float64("warning_percent", d.config.WarningPercent).
		Float64("critical_percent", d.config.CriticalPercent).
		Msg("Resource detector started")
}

// Stop pauses periodic sampling.
func (d *SystemDetector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

// Dispose stops sampling permanently; pending timers never fire afterwards.
func (d *SystemDetector) Dispose() {
	d.mu.Lock()
	d.stopLocked()
	d.disposed = true
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *SystemDetector) stopLocked() {
	if !d.running {
		return
	}
	d.running = false
	d.ticker.Stop()
	close(d.stopCh)
}

// OnUpdate registers a snapshot callback.
func (d *SystemDetector) OnUpdate(cb UpdateCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updateCbs = append(d.updateCbs, cb)
}

// OnAlert registers an alert callback.
func (d *SystemDetector) OnAlert(cb AlertCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alertCbs = append(d.alertCbs, cb)
}

// Availability samples the system synchronously. On failure the last known
// snapshot is returned together with the error so consumers can retain the
// previous reading.
func (d *SystemDetector) Availability() (Availability, error) {
	av, err := d.sample()
	if err != nil {
		d.mu.RLock()
		last := d.lastKnown
		d.mu.RUnlock()
		return last, err
	}

	d.mu.Lock()
	d.lastKnown = av
	d.hasSample = true
	d.mu.Unlock()
	return av, nil
}

func (d *SystemDetector) sampleLoop(ticker clock.Ticker, stopCh chan struct{}) {
	defer d.wg.Done()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.Chan():
			d.tick()
		}
	}
}

func (d *SystemDetector) tick() {
	av, err := d.Availability()
	if err != nil {
		log.Warn().Err(err).Msg("Resource sampling failed, retaining previous reading")
		d.raiseAlert(Alert{
			Category:  "sampling",
			Message:   fmt.Sprintf("resource sampling failed: %v", err),
			Timestamp: d.clk.Now(),
		})
		return
	}

	d.checkThresholds(av)

	d.mu.RLock()
	cbs := make([]UpdateCallback, len(d.updateCbs))
	copy(cbs, d.updateCbs)
	d.mu.RUnlock()

	for _, cb := range cbs {
		invokeUpdate(cb, av)
	}
}

func (d *SystemDetector) checkThresholds(av Availability) {
	categories := []struct {
		name string
		util float64
	}{
		{"memory", av.Memory.UtilizationPercent},
		{"cpu", av.CPU.UtilizationPercent},
		{"disk", av.Disk.UtilizationPercent},
	}

	for _, c := range categories {
		var threshold float64
		var critical bool
		switch {
		case c.util >= d.config.CriticalPercent:
			threshold, critical = d.config.CriticalPercent, true
		case c.util >= d.config.WarningPercent:
			threshold = d.config.WarningPercent
		default:
			continue
		}

		if !d.alertDue(c.name) {
			continue
		}
		d.raiseAlert(Alert{
			Category:           c.name,
			Message:            fmt.Sprintf("%s utilization %.1f%% crossed %.1f%%", c.name, c.util, threshold),
			UtilizationPercent: c.util,
			Threshold:          threshold,
			Critical:           critical,
			Timestamp:          av.Timestamp,
		})
	}
}

func (d *SystemDetector) alertDue(category string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clk.Now()
	if last, ok := d.lastAlerts[category]; ok && now.Sub(last) < d.config.AlertCooldown {
		return false
	}
	d.lastAlerts[category] = now
	return true
}

func (d *SystemDetector) raiseAlert(alert Alert) {
	d.mu.RLock()
	cbs := make([]AlertCallback, len(d.alertCbs))
	copy(cbs, d.alertCbs)
	d.mu.RUnlock()

	log.Warn().
		Str("category", alert.Category).
		Float64("utilization_percent", alert.UtilizationPercent).
		Float64("threshold", alert.Threshold).
		Bool("critical", alert.Critical).
		Msg("Resource alert")

	for _, cb := range cbs {
		invokeAlert(cb, alert)
	}
}

func (d *SystemDetector) sample() (Availability, error) {
	av := Availability{Timestamp: d.clk.Now()}

	mem, err := sampleMemory()
	if err != nil {
		return av, fmt.Errorf("failed to sample memory: %w", err)
	}
	av.Memory = mem

	cpu, err := sampleCPU()
	if err != nil {
		return av, fmt.Errorf("failed to sample cpu: %w", err)
	}
	av.CPU = cpu

	disk, err := sampleDisk(d.config.DiskPath)
	if err != nil {
		return av, fmt.Errorf("failed to sample disk: %w", err)
	}
	av.Disk = disk

	av.Status = statusFor(&av, d.config.WarningPercent, d.config.CriticalPercent)
	return av, nil
}

// sampleMemory parses /proc/meminfo for total and available memory.
func sampleMemory() (MemoryAvailability, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return MemoryAvailability{}, err
	}
	defer f.Close()

	var totalKB, availKB int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		value, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB = value
		case "MemAvailable:":
			availKB = value
		}
	}
	if err := scanner.Err(); err != nil {
		return MemoryAvailability{}, err
	}
	if totalKB == 0 {
		return MemoryAvailability{}, fmt.Errorf("MemTotal not found in /proc/meminfo")
	}

	util := float64(totalKB-availKB) / float64(totalKB) * 100.0
	return MemoryAvailability{
		IsAvailable:        availKB > 0,
		UtilizationPercent: util,
		AvailableAmount:    availKB * 1024,
	}, nil
}

// sampleCPU approximates CPU utilization from the 1-minute load average
// relative to the core count.
func sampleCPU() (CPUAvailability, error) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return CPUAvailability{}, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return CPUAvailability{}, fmt.Errorf("unexpected /proc/loadavg format")
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return CPUAvailability{}, fmt.Errorf("failed to parse load average: %w", err)
	}

	cores := float64(runtime.NumCPU())
	util := load / cores * 100.0
	if util > 100.0 {
		util = 100.0
	}
	available := cores - load
	if available < 0 {
		available = 0
	}
	return CPUAvailability{
		IsAvailable:        available > 0,
		UtilizationPercent: util,
		AvailableCores:     available,
	}, nil
}

// sampleDisk reads filesystem usage for the configured path.
func sampleDisk(path string) (DiskAvailability, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return DiskAvailability{}, err
	}

	total := int64(st.Blocks) * st.Bsize
	avail := int64(st.Bavail) * st.Bsize
	if total == 0 {
		return DiskAvailability{}, fmt.Errorf("filesystem reports zero size for %s", path)
	}

	return DiskAvailability{
		IsAvailable:        avail > 0,
		UtilizationPercent: float64(total-avail) / float64(total) * 100.0,
		AvailableSpace:     avail,
	}, nil
}

func invokeUpdate(cb UpdateCallback, av Availability) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Detector update callback panicked")
		}
	}()
	cb(av)
}

func invokeAlert(cb AlertCallback, alert Alert) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Detector alert callback panicked")
		}
	}()
	cb(alert)
}
