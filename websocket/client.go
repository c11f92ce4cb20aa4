// Package websocket maintains market-segregated push-channel connections
// to the exchange and emits typed trade and liquidation events.
package websocket

import (
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"binance-cvd-pipeline/database"
)

// Subscription is one symbol-channel tuple on one venue
type Subscription struct {
	Symbol  string
	Venue   string
	Channel string // aggTrade, trade or forceOrder
}

// StreamName renders the wire channel name, e.g. btcusdt@aggTrade
func (s Subscription) StreamName() string {
	return strings.ToLower(s.Symbol) + "@" + s.Channel
}

// Tuning defaults
const (
	defaultHeartbeat    = 30 * time.Second
	initialReconnect    = 5 * time.Second
	maxReconnect        = 60 * time.Second
	staleConnAfter      = 5 * time.Minute
	healthCheckInterval = 60 * time.Second
	eventBuffer         = 1024
)

// Client groups subscriptions by venue and runs one persistent
// connection per venue. Decoded events are delivered on the Trades and
// Liquidations channels; transport and decode problems on Errors.
type Client struct {
	baseURLs  map[string]string // venue -> ws base URL
	heartbeat time.Duration

	trades       chan database.Trade
	liquidations chan database.LiquidationEvent
	errors       chan error

	mu    sync.Mutex
	conns map[string]*venueConn
}

// NewClient creates a push client for the given venue base URLs
func NewClient(baseURLs map[string]string) *Client {
	return &Client{
		baseURLs:     baseURLs,
		heartbeat:    defaultHeartbeat,
		trades:       make(chan database.Trade, eventBuffer),
		liquidations: make(chan database.LiquidationEvent, eventBuffer),
		errors:       make(chan error, 16),
		conns:        make(map[string]*venueConn),
	}
}

// Trades is the stream of decoded trade events
func (c *Client) Trades() <-chan database.Trade { return c.trades }

// Liquidations is the stream of decoded liquidation events
func (c *Client) Liquidations() <-chan database.LiquidationEvent { return c.liquidations }

// Errors reports transport and decode problems; the client keeps running
func (c *Client) Errors() <-chan error { return c.errors }

// Connect opens one combined-stream connection per venue present in subs.
// It returns once every venue connection has completed its first dial.
func (c *Client) Connect(subs []Subscription) error {
	byVenue := make(map[string][]Subscription)
	for _, s := range subs {
		byVenue[s.Venue] = append(byVenue[s.Venue], s)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for venue, venueSubs := range byVenue {
		base, ok := c.baseURLs[venue]
		if !ok {
			return fmt.Errorf("no push base URL configured for venue %q", venue)
		}

		names := make([]string, 0, len(venueSubs))
		for _, s := range venueSubs {
			names = append(names, s.StreamName())
		}

		vc := &venueConn{
			client: c,
			venue:  venue,
			url:    base + "/stream?streams=" + strings.Join(names, "/"),
			stop:   make(chan struct{}),
		}
		if err := vc.connect(); err != nil {
			return fmt.Errorf("failed to connect %s push channel: %w", venue, err)
		}
		c.conns[venue] = vc

		go vc.run()
		go vc.healthMonitor()
	}

	return nil
}

// Disconnect closes every venue connection; no reconnection follows
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for venue, vc := range c.conns {
		vc.shutdown()
		delete(c.conns, venue)
	}
}

// venueConn is one persistent connection. Lifecycle:
// disconnected -> connecting -> ready -> disconnected.
type venueConn struct {
	client *Client
	venue  string
	url    string

	mu          sync.Mutex
	conn        *websocket.Conn
	lastMsgTime time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func (vc *venueConn) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(vc.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", vc.url, err)
	}

	vc.mu.Lock()
	vc.conn = conn
	vc.lastMsgTime = time.Now()
	vc.mu.Unlock()

	log.Printf("✅ Connected %s push channel", vc.venue)
	return nil
}

func (vc *venueConn) shutdown() {
	vc.stopOnce.Do(func() { close(vc.stop) })
	vc.closeConn()
}

func (vc *venueConn) closeConn() {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if vc.conn != nil {
		vc.conn.Close()
		vc.conn = nil
	}
}

func (vc *venueConn) current() *websocket.Conn {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return vc.conn
}

// run reads frames until shutdown, reconnecting with truncated
// exponential backoff on abnormal closes.
func (vc *venueConn) run() {
	go vc.pinger()

	reconnectDelay := initialReconnect

	for {
		select {
		case <-vc.stop:
			return
		default:
		}

		conn := vc.current()
		if conn == nil {
			// Dropped by the health monitor; fall through to reconnect
			vc.emitError(fmt.Errorf("%s push channel lost", vc.venue))
		} else {
			_, raw, err := conn.ReadMessage()
			if err == nil {
				vc.mu.Lock()
				vc.lastMsgTime = time.Now()
				vc.mu.Unlock()
				vc.handleMessage(raw)
				continue
			}

			select {
			case <-vc.stop:
				return
			default:
			}

			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Printf("📡 %s push channel closed normally", vc.venue)
				return
			}
			vc.emitError(fmt.Errorf("%s push channel error: %w", vc.venue, err))
			vc.closeConn()
		}

		// Jittered truncated exponential backoff before redialing
		delay := reconnectDelay + time.Duration(rand.Int63n(int64(time.Second)))
		log.Printf("🔄 Reconnecting %s push channel in %v...", vc.venue, delay.Round(time.Second))
		select {
		case <-vc.stop:
			return
		case <-time.After(delay):
		}

		if err := vc.connect(); err != nil {
			vc.emitError(fmt.Errorf("%s reconnection failed: %w", vc.venue, err))
			reconnectDelay *= 2
			if reconnectDelay > maxReconnect {
				reconnectDelay = maxReconnect
			}
			continue
		}
		reconnectDelay = initialReconnect
	}
}

func (vc *venueConn) handleMessage(raw []byte) {
	trade, liq, err := decodeMessage(vc.venue, raw)
	if err != nil {
		// Malformed payloads are dropped, never fatal to the stream
		log.Printf("⚠️  Dropping undecodable %s message: %v", vc.venue, err)
		return
	}
	switch {
	case trade != nil:
		vc.client.trades <- *trade
	case liq != nil:
		vc.client.liquidations <- *liq
	}
}

// pinger keeps the connection alive with periodic control pings
func (vc *venueConn) pinger() {
	ticker := time.NewTicker(vc.client.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-vc.stop:
			return
		case <-ticker.C:
			conn := vc.current()
			if conn == nil {
				continue
			}
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Printf("⚠️  Failed to ping %s push channel: %v", vc.venue, err)
			}
		}
	}
}

// healthMonitor forces a reconnect when the connection goes quiet
func (vc *venueConn) healthMonitor() {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-vc.stop:
			return
		case <-ticker.C:
			vc.mu.Lock()
			silent := time.Since(vc.lastMsgTime)
			vc.mu.Unlock()

			if silent > staleConnAfter {
				log.Printf("⚠️  No %s push message for %v, forcing reconnect...", vc.venue, silent.Round(time.Second))
				vc.closeConn()
			}
		}
	}
}

func (vc *venueConn) emitError(err error) {
	select {
	case vc.client.errors <- err:
	default:
	}
}
