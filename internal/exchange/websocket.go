// Package exchange
//
// User-Data Stream Notes:
//   - Each subscriber gets its own buffered channel; broadcasts are
//     non-blocking, so a slow subscriber drops events instead of stalling
//     the read loop. Dropped events are recovered by the next
//     reconciliation pass, which is the authoritative repair path anyway.
//   - On reconnect the stream emits an EventReconnected marker so that the
//     reconciliation loop can run an immediate pass; events may have been
//     missed while disconnected.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amirphl/bracket-trader/internal/order"
)

// ConnectionState represents the state of the websocket connection
// (for health checks and monitoring)
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

// Subscriber represents a single subscriber with their own channel
type Subscriber struct {
	ID   string
	Chan chan Event
}

// UserDataStream streams order and position events from the Binance futures
// user-data websocket, with listen-key keepalive and reconnect.
type UserDataStream struct {
	wsURL   string
	restURL string
	apiKey  string
	client  *http.Client

	subscribers map[string]*Subscriber
	mu          sync.RWMutex
	closed      bool
	state       ConnectionState
	healthErr   error
	conn        *websocket.Conn
	cancelFunc  context.CancelFunc
}

// NewUserDataStream creates a stream manager. Start must be called before
// events are delivered.
func NewUserDataStream(wsURL, restURL, apiKey string) *UserDataStream {
	if wsURL == "" {
		wsURL = "wss://fstream.binance.com"
	}
	if restURL == "" {
		restURL = "https://fapi.binance.com"
	}
	return &UserDataStream{
		wsURL:       strings.TrimRight(wsURL, "/"),
		restURL:     strings.TrimRight(restURL, "/"),
		apiKey:      apiKey,
		client:      &http.Client{Timeout: 10 * time.Second},
		subscribers: make(map[string]*Subscriber),
		state:       Disconnected,
	}
}

// Subscribe adds a new subscriber and returns their channel
func (s *UserDataStream) Subscribe(subscriberID string, bufferSize int) (<-chan Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("stream is closed")
	}
	if _, exists := s.subscribers[subscriberID]; exists {
		return nil, fmt.Errorf("subscriber %s already exists", subscriberID)
	}

	sub := &Subscriber{
		ID:   subscriberID,
		Chan: make(chan Event, bufferSize),
	}
	s.subscribers[subscriberID] = sub

	log.Printf("UserDataStream | Subscriber %s added", subscriberID)
	return sub.Chan, nil
}

// Unsubscribe removes a subscriber and closes their channel
func (s *UserDataStream) Unsubscribe(subscriberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, exists := s.subscribers[subscriberID]
	if !exists {
		return fmt.Errorf("subscriber %s not found", subscriberID)
	}

	close(sub.Chan)
	delete(s.subscribers, subscriberID)
	log.Printf("UserDataStream | Subscriber %s removed", subscriberID)
	return nil
}

// broadcast sends an event to all subscribers (non-blocking)
func (s *UserDataStream) broadcast(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subscribers {
		select {
		case sub.Chan <- ev:
		default:
			log.Printf("UserDataStream | Subscriber %s channel is full, dropping %s event", sub.ID, ev.Type)
		}
	}
}

// IsConnected returns true if the websocket is connected
func (s *UserDataStream) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == Connected && s.conn != nil
}

// Health returns the last health error (if any)
func (s *UserDataStream) Health() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthErr
}

// Close closes the stream and all subscriber channels
func (s *UserDataStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	for _, sub := range s.subscribers {
		close(sub.Chan)
	}
	s.subscribers = make(map[string]*Subscriber)

	if s.conn != nil {
		s.conn.Close()
	}

	log.Printf("UserDataStream | Closed")
}

// Start connects to the user-data websocket and streams events to all
// subscribers, with reconnect and listen-key keepalive.
func (s *UserDataStream) Start(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.state = Connecting
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancelFunc = cancel

	go func() {
		defer s.Close()
		retryDelay := time.Second
		reconnects := 0
		for {
			select {
			case <-ctx.Done():
				return
			default:
				if err := s.connectAndStream(ctx, reconnects > 0); err != nil {
					s.mu.Lock()
					s.state = Reconnecting
					s.healthErr = err
					s.mu.Unlock()
					log.Printf("UserDataStream | Disconnected, retrying in %v: %v", retryDelay, err)
					reconnects++
					select {
					case <-ctx.Done():
						return
					case <-time.After(retryDelay):
					}
					if retryDelay < 60*time.Second {
						retryDelay *= 2
					} else {
						retryDelay = 60 * time.Second
					}
					continue
				}
				return
			}
		}
	}()
}

// listenKey obtains a user-data listen key from the REST API.
func (s *UserDataStream) listenKey(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.restURL+"/fapi/v1/listenKey", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-MBX-APIKEY", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var payload struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode listen key: %w", err)
	}
	if payload.ListenKey == "" {
		return "", fmt.Errorf("empty listen key (status %d)", resp.StatusCode)
	}
	return payload.ListenKey, nil
}

// keepAlive extends the listen key validity; Binance expires keys after 60
// minutes without a ping.
func (s *UserDataStream) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.restURL+"/fapi/v1/listenKey", nil)
			if err != nil {
				continue
			}
			req.Header.Set("X-MBX-APIKEY", s.apiKey)
			if resp, err := s.client.Do(req); err == nil {
				resp.Body.Close()
			} else {
				log.Printf("UserDataStream | Listen key keepalive failed: %v", err)
			}
		}
	}
}

// connectAndStream handles a single websocket connection session
func (s *UserDataStream) connectAndStream(ctx context.Context, isReconnect bool) error {
	s.mu.Lock()
	s.state = Connecting
	s.healthErr = nil
	s.mu.Unlock()

	key, err := s.listenKey(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain listen key: %w", err)
	}

	c, _, err := websocket.DefaultDialer.Dial(s.wsURL+"/ws/"+key, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = c
	s.state = Connected
	s.mu.Unlock()

	log.Printf("UserDataStream | Connection established")
	defer func() {
		c.Close()
		s.mu.Lock()
		s.conn = nil
		s.state = Disconnected
		s.mu.Unlock()
	}()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.keepAlive(sessionCtx)

	if isReconnect {
		// Events may have been missed while disconnected; tell the
		// reconciliation loop to run a pass now.
		s.broadcast(Event{Type: EventReconnected, Time: time.Now().UTC()})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			c.SetReadDeadline(time.Now().Add(90 * time.Second))
			_, msg, err := c.ReadMessage()
			if err != nil {
				return fmt.Errorf("read failed: %w", err)
			}
			if ev, ok := parseUserDataMessage(msg); ok {
				s.broadcast(ev)
			}
		}
	}
}

// userDataMessage covers the two user-data payloads this core consumes:
// ORDER_TRADE_UPDATE and ACCOUNT_UPDATE.
type userDataMessage struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		Type          string `json:"o"`
		OrigQty       string `json:"q"`
		Price         string `json:"p"`
		AvgPrice      string `json:"ap"`
		StopPrice     string `json:"sp"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		FilledQty     string `json:"z"`
		ReduceOnly    bool   `json:"R"`
	} `json:"o"`
	Account struct {
		Positions []struct {
			Symbol     string `json:"s"`
			Amount     string `json:"pa"`
			EntryPrice string `json:"ep"`
		} `json:"P"`
	} `json:"a"`
}

func parseUserDataMessage(msg []byte) (Event, bool) {
	var m userDataMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		log.Printf("UserDataStream | Failed to parse message: %v", err)
		return Event{}, false
	}

	ts := time.UnixMilli(m.EventTime).UTC()

	switch m.EventType {
	case "ORDER_TRADE_UPDATE":
		o := m.Order
		resp := order.OrderResponse{
			OrderID:       strconv.FormatInt(o.OrderID, 10),
			ClientOrderID: o.ClientOrderID,
			Status:        strings.ToUpper(o.Status),
			FilledQty:     parseFloat(o.FilledQty),
			AvgPrice:      parseFloat(o.AvgPrice),
			Timestamp:     ts,
			Symbol:        o.Symbol,
			Side:          strings.ToLower(o.Side),
			Type:          strings.ToLower(o.Type),
			Price:         parseFloat(o.Price),
			StopPrice:     parseFloat(o.StopPrice),
			Quantity:      parseFloat(o.OrigQty),
			ReduceOnly:    o.ReduceOnly,
			UpdatedAt:     ts,
		}
		ev := Event{Order: resp, Time: ts}
		switch resp.Status {
		case "NEW":
			ev.Type = EventOrderAcknowledged
		case "FILLED", "PARTIALLY_FILLED":
			ev.Type = EventOrderFilled
		case "CANCELED", "EXPIRED":
			ev.Type = EventOrderCanceled
		case "REJECTED":
			ev.Type = EventOrderRejected
		default:
			return Event{}, false
		}
		return ev, true

	case "ACCOUNT_UPDATE":
		for _, p := range m.Account.Positions {
			amt := parseFloat(p.Amount)
			info := &PositionInfo{
				Symbol:     p.Symbol,
				EntryPrice: parseFloat(p.EntryPrice),
				UpdatedAt:  ts,
			}
			if amt >= 0 {
				info.Side = "long"
				info.Quantity = amt
			} else {
				info.Side = "short"
				info.Quantity = -amt
			}
			// One event per position entry; in practice updates carry one.
			return Event{Type: EventPositionChanged, Position: info, Time: ts}, true
		}
		return Event{}, false

	default:
		return Event{}, false
	}
}
