package uploader

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Event is a connectivity edge or a wake-from-suspend notification.
type Event int

const (
	// EventOnline fires when connectivity comes back.
	EventOnline Event = iota
	// EventOffline fires when connectivity is lost.
	EventOffline
	// EventWake fires when the host was suspended long enough that the
	// server may have drifted from the local state.
	EventWake
)

// Monitor reports connectivity and notifies subscribers about edges.
type Monitor interface {
	Online() bool
	Subscribe(fn func(Event)) (unsubscribe func())
}

// staticMonitor always reports the same state and never fires events.
// Used when no monitor is wired in.
type staticMonitor struct {
	online bool
}

func (m staticMonitor) Online() bool                 { return m.online }
func (m staticMonitor) Subscribe(func(Event)) func() { return func() {} }

const probeTimeout = 5 * time.Second

// wakeGapFactor is how many missed poll intervals count as a suspend.
const wakeGapFactor = 3

// PollingMonitor probes a URL on an interval and derives online/offline
// edges plus wake detection from ticker gaps.
type PollingMonitor struct {
	probeURL   string
	interval   time.Duration
	logger     log.Logger
	httpClient *http.Client

	online int32

	subsMu    sync.Mutex
	subs      map[int]func(Event)
	nextSubID int

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
}

// NewPollingMonitor creates a monitor probing probeURL every interval.
// It starts in the online state; the first probe corrects it if needed.
func NewPollingMonitor(probeURL string, interval time.Duration, logger log.Logger) *PollingMonitor {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	return &PollingMonitor{
		probeURL:   probeURL,
		interval:   interval,
		logger:     logger,
		httpClient: &http.Client{Timeout: probeTimeout},
		online:     1,
		subs:       map[int]func(Event){},
		stop:       make(chan struct{}),
	}
}

// Online implements Monitor.
func (m *PollingMonitor) Online() bool {
	return atomic.LoadInt32(&m.online) == 1
}

// Subscribe implements Monitor.
func (m *PollingMonitor) Subscribe(fn func(Event)) func() {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = fn
	return func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		delete(m.subs, id)
	}
}

// Start launches the poll loop. Safe to call more than once.
func (m *PollingMonitor) Start() {
	m.startOnce.Do(func() {
		go m.run()
	})
}

// Close stops the poll loop.
func (m *PollingMonitor) Close() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
}

func (m *PollingMonitor) run() {
	m.poll()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	lastTick := time.Now()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			if now.Sub(lastTick) > wakeGapFactor*m.interval {
				m.logger.Debugf("Detected wake after %s gap", now.Sub(lastTick).Round(time.Second))
				m.emit(EventWake)
			}
			lastTick = now
			m.poll()
		}
	}
}

func (m *PollingMonitor) poll() {
	online := m.probe()

	was := atomic.SwapInt32(&m.online, boolToInt32(online))
	if was == boolToInt32(online) {
		return
	}
	if online {
		m.logger.Infof("Connectivity restored")
		m.emit(EventOnline)
	} else {
		m.logger.Warnf("Connectivity lost")
		m.emit(EventOffline)
	}
}

// probe considers the network up as long as the server answers at all;
// an HTTP error status still proves connectivity.
func (m *PollingMonitor) probe() bool {
	req, err := http.NewRequest(http.MethodHead, m.probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false
	}
	if err := resp.Body.Close(); err != nil {
		m.logger.Debugf("Failed to close probe response body: %s", err)
	}
	return true
}

func (m *PollingMonitor) emit(event Event) {
	m.subsMu.Lock()
	subs := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.subsMu.Unlock()

	for _, fn := range subs {
		fn(event)
	}
}

func boolToInt32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
