package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"vinefeed/internal/metrics"
	"vinefeed/internal/nostr"
)

const (
	writeTimeout     = 10 * time.Second
	okTimeout        = 5 * time.Second
	idleConnTimeout  = 2 * time.Minute
	cleanupPeriod    = 60 * time.Second
	eventChanBuffer  = 100
	mergedChanBuffer = 256
)

// wsSub is a single-relay subscription registered on one connection.
type wsSub struct {
	id        string
	events    chan nostr.Event
	eose      chan bool
	done      chan struct{}
	closeOnce sync.Once
}

func (s *wsSub) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

type okResult struct {
	accepted bool
	message  string
}

// relayConn manages a single websocket connection with multiple subscriptions
type relayConn struct {
	conn         *websocket.Conn
	relayURL     string
	mu           sync.Mutex
	writeMu      sync.Mutex
	subs         map[string]*wsSub
	pendingOK    map[string]chan okResult // event ID -> waiter
	closed       bool
	lastActivity time.Time
}

// WSPool implements Pool over persistent websocket connections to a fixed
// relay set, multiplexing subscriptions per connection.
type WSPool struct {
	relays []string
	mu     sync.RWMutex
	conns  map[string]*relayConn
	stopCh chan struct{}
	once   sync.Once
}

// NewWSPool creates a pool over the given relay URLs.
func NewWSPool(relays []string) *WSPool {
	p := &WSPool{
		relays: relays,
		conns:  make(map[string]*relayConn),
		stopCh: make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

// Relays returns the configured relay URLs.
func (p *WSPool) Relays() []string {
	return p.relays
}

func (p *WSPool) getOrCreateConn(ctx context.Context, relayURL string) (*relayConn, error) {
	p.mu.RLock()
	rc := p.conns[relayURL]
	p.mu.RUnlock()

	if rc != nil && !rc.isClosed() {
		return rc, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	rc = p.conns[relayURL]
	if rc != nil && !rc.isClosed() {
		return rc, nil
	}

	slog.Debug("pool: creating new connection", "relay", relayURL)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return nil, err
	}

	rc = &relayConn{
		conn:         conn,
		relayURL:     relayURL,
		subs:         make(map[string]*wsSub),
		pendingOK:    make(map[string]chan okResult),
		lastActivity: time.Now(),
	}
	p.conns[relayURL] = rc

	go rc.readLoop()

	return rc, nil
}

// Subscribe opens the same subscription on every reachable relay and merges
// the per-relay streams, deduplicating by event ID. EOSE closes once every
// reachable relay has reported end-of-stored-events.
func (p *WSPool) Subscribe(ctx context.Context, filters []nostr.Filter) (*Subscription, error) {
	if len(filters) == 0 {
		return nil, errors.New("subscribe requires at least one filter")
	}

	subID := "sub-" + uuid.NewString()[:8]
	req := make([]interface{}, 0, 2+len(filters))
	req = append(req, "REQ", subID)
	for _, f := range filters {
		req = append(req, f.ToReq())
	}

	var live []*relayConn
	for _, relayURL := range p.relays {
		rc, err := p.getOrCreateConn(ctx, relayURL)
		if err != nil {
			slog.Debug("pool: relay unreachable", "relay", relayURL, "error", err)
			continue
		}

		sub := &wsSub{
			id:     subID,
			events: make(chan nostr.Event, eventChanBuffer),
			eose:   make(chan bool, 1),
			done:   make(chan struct{}),
		}

		rc.mu.Lock()
		if rc.closed {
			rc.mu.Unlock()
			continue
		}
		rc.subs[subID] = sub
		rc.mu.Unlock()

		if err := rc.writeJSON(req); err != nil {
			rc.mu.Lock()
			delete(rc.subs, subID)
			rc.mu.Unlock()
			rc.markClosed()
			continue
		}
		live = append(live, rc)
	}

	if len(live) == 0 {
		return nil, errors.New("no relays reachable")
	}

	out := &Subscription{
		ID:     subID,
		Events: make(chan nostr.Event, mergedChanBuffer),
		EOSE:   make(chan struct{}),
		Done:   make(chan struct{}),
	}
	out.onClose = func() {
		for _, rc := range live {
			rc.unsubscribe(subID)
		}
	}

	go p.merge(ctx, out, live, subID)

	return out, nil
}

// merge fans in per-relay streams until every relay completes or the
// subscription is closed.
func (p *WSPool) merge(ctx context.Context, out *Subscription, live []*relayConn, subID string) {
	seen := make(map[string]bool)
	eoseRemaining := len(live)
	eoseClosed := false

	type tagged struct {
		evt  nostr.Event
		eose bool
		gone bool
	}
	merged := make(chan tagged, mergedChanBuffer)

	var wg sync.WaitGroup
	for _, rc := range live {
		rc.mu.Lock()
		sub := rc.subs[subID]
		rc.mu.Unlock()
		if sub == nil {
			eoseRemaining--
			continue
		}

		wg.Add(1)
		go func(sub *wsSub) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-out.Done:
					return
				case <-sub.done:
					select {
					case merged <- tagged{gone: true}:
					case <-out.Done:
					case <-ctx.Done():
					}
					return
				case evt := <-sub.events:
					select {
					case merged <- tagged{evt: evt}:
					case <-out.Done:
						return
					case <-ctx.Done():
						return
					}
				case <-sub.eose:
					select {
					case merged <- tagged{eose: true}:
					case <-out.Done:
						return
					case <-ctx.Done():
						return
					}
				}
			}
		}(sub)
	}

	go func() {
		wg.Wait()
		close(merged)
	}()

	for {
		select {
		case <-ctx.Done():
			out.Close()
			return
		case <-out.Done:
			return
		case m, ok := <-merged:
			if !ok {
				return
			}
			switch {
			case m.eose || m.gone:
				eoseRemaining--
				if eoseRemaining <= 0 && !eoseClosed {
					eoseClosed = true
					close(out.EOSE)
				}
			default:
				if seen[m.evt.ID] {
					continue
				}
				seen[m.evt.ID] = true
				select {
				case out.Events <- m.evt:
				case <-out.Done:
					return
				case <-ctx.Done():
					out.Close()
					return
				}
			}
		}
	}
}

// Broadcast publishes the event to every relay and waits for OK
// acknowledgements (or timeout) before reporting per-relay outcomes.
func (p *WSPool) Broadcast(ctx context.Context, event *nostr.Event) (*BroadcastResult, error) {
	if event == nil || event.ID == "" {
		return nil, errors.New("broadcast requires a signed event")
	}

	result := &BroadcastResult{
		Event:       event,
		TotalRelays: len(p.relays),
		Results:     make(map[string]bool),
		Errors:      make(map[string]string),
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, relayURL := range p.relays {
		wg.Add(1)
		go func(relayURL string) {
			defer wg.Done()
			accepted, reason := p.publishToRelay(ctx, relayURL, event)
			mu.Lock()
			defer mu.Unlock()
			result.Results[relayURL] = accepted
			if accepted {
				result.SuccessCount++
			} else {
				result.Errors[relayURL] = reason
			}
		}(relayURL)
	}
	wg.Wait()

	switch {
	case result.SuccessCount == 0:
		metrics.Broadcasts.WithLabelValues("failed").Inc()
	case result.SuccessCount < result.TotalRelays:
		metrics.Broadcasts.WithLabelValues("partial").Inc()
	default:
		metrics.Broadcasts.WithLabelValues("ok").Inc()
	}

	return result, nil
}

func (p *WSPool) publishToRelay(ctx context.Context, relayURL string, event *nostr.Event) (bool, string) {
	rc, err := p.getOrCreateConn(ctx, relayURL)
	if err != nil {
		return false, err.Error()
	}

	waiter := make(chan okResult, 1)
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return false, "connection closed"
	}
	rc.pendingOK[event.ID] = waiter
	rc.mu.Unlock()

	defer func() {
		rc.mu.Lock()
		delete(rc.pendingOK, event.ID)
		rc.mu.Unlock()
	}()

	if err := rc.writeJSON([]interface{}{"EVENT", event}); err != nil {
		rc.markClosed()
		return false, err.Error()
	}

	select {
	case ok := <-waiter:
		if !ok.accepted {
			return false, ok.message
		}
		return true, ""
	case <-time.After(okTimeout):
		return false, "timed out waiting for OK"
	case <-ctx.Done():
		return false, ctx.Err().Error()
	}
}

func (rc *relayConn) writeJSON(v interface{}) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()

	rc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer rc.conn.SetWriteDeadline(time.Time{})
	return rc.conn.WriteJSON(v)
}

func (rc *relayConn) isClosed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.closed
}

func (rc *relayConn) unsubscribe(subID string) {
	rc.mu.Lock()
	sub, exists := rc.subs[subID]
	shouldSendClose := !rc.closed && exists
	if exists {
		delete(rc.subs, subID)
	}
	rc.mu.Unlock()

	// Send CLOSE outside of mutex (best effort, connection may be closed)
	if shouldSendClose {
		rc.writeJSON([]interface{}{"CLOSE", subID})
	}
	if sub != nil {
		sub.close()
	}
}

// readLoop continuously reads from the connection and routes messages
func (rc *relayConn) readLoop() {
	defer rc.markClosed()

	for {
		var msg []interface{}
		err := rc.conn.ReadJSON(&msg)
		if err != nil {
			if !rc.isClosed() {
				slog.Debug("pool: read error", "relay", rc.relayURL, "error", err)
			}
			return
		}

		rc.mu.Lock()
		rc.lastActivity = time.Now()
		rc.mu.Unlock()

		if len(msg) < 2 {
			continue
		}

		msgType, ok := msg[0].(string)
		if !ok {
			continue
		}

		switch msgType {
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			subID, ok := msg[1].(string)
			if !ok {
				continue
			}

			evt, ok := nostr.ParseEventFromInterface(msg[2])
			if !ok {
				continue
			}
			evt.RelaysSeen = []string{rc.relayURL}

			rc.mu.Lock()
			sub := rc.subs[subID]
			rc.mu.Unlock()

			if sub != nil {
				select {
				case sub.events <- evt:
				case <-sub.done:
				default:
					// Channel full, drop event
				}
			}

		case "EOSE":
			subID, ok := msg[1].(string)
			if !ok {
				continue
			}

			rc.mu.Lock()
			sub := rc.subs[subID]
			rc.mu.Unlock()

			if sub != nil {
				select {
				case sub.eose <- true:
				default:
				}
			}

		case "OK":
			// ["OK", <event-id>, <accepted>, <message>]
			if len(msg) < 3 {
				continue
			}
			eventID, _ := msg[1].(string)
			accepted, _ := msg[2].(bool)
			message := ""
			if len(msg) >= 4 {
				message, _ = msg[3].(string)
			}

			rc.mu.Lock()
			waiter := rc.pendingOK[eventID]
			rc.mu.Unlock()

			if waiter != nil {
				select {
				case waiter <- okResult{accepted: accepted, message: message}:
				default:
				}
			}

		case "CLOSED":
			subID, _ := msg[1].(string)
			rc.mu.Lock()
			sub := rc.subs[subID]
			if sub != nil {
				delete(rc.subs, subID)
			}
			rc.mu.Unlock()
			if sub != nil {
				sub.close()
			}

		case "NOTICE":
			notice, _ := msg[1].(string)
			slog.Debug("pool: NOTICE", "relay", rc.relayURL, "notice", notice)
		}
	}
}

// markClosed marks the connection as closed and cleans up
func (rc *relayConn) markClosed() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return
	}

	rc.closed = true
	rc.conn.Close()

	for _, sub := range rc.subs {
		sub.close()
	}
	rc.subs = make(map[string]*wsSub)

	for id, waiter := range rc.pendingOK {
		select {
		case waiter <- okResult{accepted: false, message: "connection closed"}:
		default:
		}
		delete(rc.pendingOK, id)
	}
}

// cleanupLoop periodically removes stale connections
func (p *WSPool) cleanupLoop() {
	ticker := time.NewTicker(cleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.cleanup()
		}
	}
}

// cleanup removes connections that have been idle too long
func (p *WSPool) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for url, rc := range p.conns {
		rc.mu.Lock()
		idle := len(rc.subs) == 0 && now.Sub(rc.lastActivity) > idleConnTimeout
		closed := rc.closed
		rc.mu.Unlock()

		if closed || idle {
			if !closed {
				slog.Debug("pool: closing idle connection", "relay", url)
				rc.markClosed()
			}
			delete(p.conns, url)
		}
	}
}

// Close shuts the pool down, closing every connection.
func (p *WSPool) Close() {
	p.once.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	defer p.mu.Unlock()
	for url, rc := range p.conns {
		rc.markClosed()
		delete(p.conns, url)
	}
}
