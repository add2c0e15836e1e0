package telemetry

import (
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"wagate/internal/observability"
	"wagate/internal/session"
)

const (
	DefaultSchedule     = "@every 5m"
	DefaultMemoryWarnMB = 1500
)

// SessionLister is the slice of the session manager the monitor reads.
type SessionLister interface {
	List() map[string]session.Summary
}

type Snapshot struct {
	HeapMB     uint64
	SysMB      uint64
	Goroutines int
	Uptime     time.Duration
	Load1      float64
	HasLoad    bool
	Sessions   int
	Connected  int
}

type Monitor struct {
	Sessions     SessionLister
	MemoryWarnMB uint64
	Log          *slog.Logger
	// LoadAvgPath is read for the 1-minute load; empty uses /proc/loadavg.
	LoadAvgPath  string

	started time.Time
}

func NewMonitor(sessions SessionLister, warnMB uint64, log *slog.Logger) *Monitor {
	if warnMB == 0 {
		warnMB = DefaultMemoryWarnMB
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{Sessions: sessions, MemoryWarnMB: warnMB, Log: log, started: time.Now()}
}

// Check samples the process and logs one line. Above the memory threshold
// the line is a warning.
func (m *Monitor) Check() Snapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s := Snapshot{
		HeapMB:     ms.HeapAlloc >> 20,
		SysMB:      ms.Sys >> 20,
		Goroutines: runtime.NumGoroutine(),
		Uptime:     time.Since(m.started).Truncate(time.Second),
	}
	s.Load1, s.HasLoad = m.load1()
	if m.Sessions != nil {
		for _, sum := range m.Sessions.List() {
			s.Sessions++
			if sum.Connected {
				s.Connected++
			}
		}
	}

	observability.HeapBytes.Set(float64(ms.HeapAlloc))
	observability.Goroutines.Set(float64(s.Goroutines))

	attrs := []any{
		"heap_mb", s.HeapMB, "sys_mb", s.SysMB, "goroutines", s.Goroutines,
		"uptime", s.Uptime.String(), "sessions", s.Sessions, "connected", s.Connected,
	}
	if s.HasLoad {
		attrs = append(attrs, "load1", s.Load1)
	}
	if s.SysMB > m.MemoryWarnMB {
		m.Log.Warn("memory above threshold", append(attrs, "threshold_mb", m.MemoryWarnMB)...)
		return s
	}
	m.Log.Info("telemetry", attrs...)
	return s
}

func (m *Monitor) load1() (float64, bool) {
	path := m.LoadAvgPath
	if path == "" {
		path = "/proc/loadavg"
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(b))
	if len(fields) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Start registers the periodic check on c. The caller owns c's lifecycle.
func (m *Monitor) Start(c *cron.Cron, spec string) (cron.EntryID, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	return c.AddFunc(spec, func() { m.Check() })
}
