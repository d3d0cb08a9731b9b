package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Account Monitor: live signatures for tracked wallets via logsSubscribe
// One subscription per watched address; resubscribes after every reconnect.
// ---------------------------------------------------------------------------

// MonitorConfig configures the account monitor.
type MonitorConfig struct {
	WSEndpoint     string        `yaml:"ws_endpoint"`
	Commitment     string        `yaml:"commitment"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	MaxReconnects  int           `yaml:"max_reconnects"` // 0 = unlimited
}

// DefaultMonitorConfig returns mainnet defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		WSEndpoint:     "wss://mainnet.helius-rpc.com",
		Commitment:     "confirmed",
		ReconnectDelay: time.Second,
		PingInterval:   30 * time.Second,
		ReadTimeout:    60 * time.Second,
	}
}

// LogEvent is emitted when a watched address appears in a confirmed transaction.
type LogEvent struct {
	Address    string    `json:"address"`
	Signature  string    `json:"signature"`
	Slot       uint64    `json:"slot"`
	DetectedAt time.Time `json:"detected_at"`
}

// AccountMonitor streams signatures touching watched addresses.
type AccountMonitor struct {
	config MonitorConfig

	mu      sync.RWMutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	watched map[string]struct{}
	pending map[int64]string // request id -> address
	subs    map[int64]string // subscription id -> address

	events chan LogEvent
	closed atomic.Bool

	nextReqID atomic.Int64

	// Stats.
	messagesRecv atomic.Int64
	eventsSent   atomic.Int64
	dropped      atomic.Int64
	reconnects   atomic.Int64
	connected    atomic.Bool
}

// NewAccountMonitor creates a monitor. Nothing connects until Start.
func NewAccountMonitor(config MonitorConfig) *AccountMonitor {
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = time.Second
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 60 * time.Second
	}
	if config.Commitment == "" {
		config.Commitment = "confirmed"
	}
	return &AccountMonitor{
		config:  config,
		watched: make(map[string]struct{}),
		pending: make(map[int64]string),
		subs:    make(map[int64]string),
		events:  make(chan LogEvent, 1024),
	}
}

// Start runs the connect/read loop in the background until ctx is cancelled.
// The returned channel is closed when the loop exits.
func (m *AccountMonitor) Start(ctx context.Context) <-chan LogEvent {
	go m.runLoop(ctx)
	return m.events
}

// Watch adds an address. It is subscribed immediately when connected and on
// every reconnect.
func (m *AccountMonitor) Watch(address string) {
	m.mu.Lock()
	if _, ok := m.watched[address]; ok {
		m.mu.Unlock()
		return
	}
	m.watched[address] = struct{}{}
	connected := m.conn != nil
	m.mu.Unlock()

	if connected {
		if err := m.subscribe(address); err != nil {
			log.Warn().Err(err).Str("address", address).Msg("ws: subscribe failed")
		}
	}
}

// Watched returns the number of watched addresses.
func (m *AccountMonitor) Watched() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.watched)
}

func (m *AccountMonitor) runLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("ws: runLoop panic recovered")
		}
		m.disconnect()
		m.mu.Lock()
		if m.closed.CompareAndSwap(false, true) {
			close(m.events)
		}
		m.mu.Unlock()
	}()

	delay := m.config.ReconnectDelay
	const maxDelay = 30 * time.Second
	attempts := 0

	for {
		if ctx.Err() != nil {
			return
		}
		if m.config.MaxReconnects > 0 && attempts >= m.config.MaxReconnects {
			log.Error().Int("max", m.config.MaxReconnects).Msg("ws: max reconnects reached")
			return
		}

		if err := m.connect(ctx); err != nil {
			attempts++
			m.reconnects.Add(1)
			log.Warn().Err(err).Int("attempt", attempts).Dur("retry_in", delay).Msg("ws: connection failed")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
			continue
		}

		attempts = 0
		delay = m.config.ReconnectDelay

		m.mu.RLock()
		addrs := make([]string, 0, len(m.watched))
		for a := range m.watched {
			addrs = append(addrs, a)
		}
		m.mu.RUnlock()
		for _, a := range addrs {
			if err := m.subscribe(a); err != nil {
				log.Warn().Err(err).Str("address", a).Msg("ws: subscribe failed")
			}
		}

		m.readLoop(ctx)
		m.disconnect()
	}
}

func (m *AccountMonitor) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, m.config.WSEndpoint, nil)
	if err != nil {
		return fmt.Errorf("ws: dial: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.pending = make(map[int64]string)
	m.subs = make(map[int64]string)
	m.mu.Unlock()
	m.connected.Store(true)

	log.Info().Str("endpoint", m.config.WSEndpoint).Msg("ws: connected")
	return nil
}

func (m *AccountMonitor) disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.connected.Store(false)
}

func (m *AccountMonitor) subscribe(address string) error {
	m.mu.Lock()
	conn := m.conn
	if conn == nil {
		m.mu.Unlock()
		return fmt.Errorf("ws: not connected")
	}
	id := m.nextReqID.Add(1)
	m.pending[id] = address
	m.mu.Unlock()

	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "logsSubscribe",
		"params": []any{
			map[string]any{"mentions": []string{address}},
			map[string]any{"commitment": m.config.Commitment},
		},
	}

	m.writeMu.Lock()
	err := conn.WriteJSON(req)
	m.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("ws: write subscribe: %w", err)
	}
	return nil
}

func (m *AccountMonitor) readLoop(ctx context.Context) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(m.config.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				// Unblock ReadMessage.
				conn.Close()
				return
			case <-ticker.C:
				m.writeMu.Lock()
				err := conn.WriteMessage(websocket.PingMessage, nil)
				m.writeMu.Unlock()
				if err != nil {
					log.Debug().Err(err).Msg("ws: ping failed")
				}
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(m.config.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("ws: read error, reconnecting")
			}
			m.connected.Store(false)
			return
		}
		m.messagesRecv.Add(1)
		m.handleMessage(message)
	}
}

type wsMessage struct {
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Method string          `json:"method"`
	Params struct {
		Subscription int64 `json:"subscription"`
		Result       struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value struct {
				Signature string          `json:"signature"`
				Err       json.RawMessage `json:"err"`
			} `json:"value"`
		} `json:"result"`
	} `json:"params"`
}

func (m *AccountMonitor) handleMessage(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("ws: handleMessage panic recovered")
		}
	}()

	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	// Subscription confirmation: {"id": reqID, "result": subID}.
	if msg.ID != nil && msg.Method == "" {
		var subID int64
		if err := json.Unmarshal(msg.Result, &subID); err != nil {
			return
		}
		m.mu.Lock()
		if addr, ok := m.pending[*msg.ID]; ok {
			delete(m.pending, *msg.ID)
			m.subs[subID] = addr
		}
		m.mu.Unlock()
		return
	}

	if msg.Method != "logsNotification" {
		return
	}
	value := msg.Params.Result.Value
	if value.Signature == "" {
		return
	}
	if len(value.Err) > 0 && string(value.Err) != "null" {
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	addr, ok := m.subs[msg.Params.Subscription]
	if !ok || m.closed.Load() {
		return
	}

	event := LogEvent{
		Address:    addr,
		Signature:  value.Signature,
		Slot:       msg.Params.Result.Context.Slot,
		DetectedAt: time.Now(),
	}
	select {
	case m.events <- event:
		m.eventsSent.Add(1)
	default:
		m.dropped.Add(1)
		log.Warn().Str("sig", value.Signature).Msg("ws: event channel full, dropping")
	}
}

// MonitorStats is a snapshot of monitor counters.
type MonitorStats struct {
	Connected    bool  `json:"connected"`
	Watched      int   `json:"watched"`
	MessagesRecv int64 `json:"messages_recv"`
	EventsSent   int64 `json:"events_sent"`
	Dropped      int64 `json:"dropped"`
	Reconnects   int64 `json:"reconnects"`
}

func (m *AccountMonitor) Stats() MonitorStats {
	return MonitorStats{
		Connected:    m.connected.Load(),
		Watched:      m.Watched(),
		MessagesRecv: m.messagesRecv.Load(),
		EventsSent:   m.eventsSent.Load(),
		Dropped:      m.dropped.Load(),
		Reconnects:   m.reconnects.Load(),
	}
}
