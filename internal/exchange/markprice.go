// Package exchange
package exchange

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// PriceHandler receives mark-price updates. Called from the stream's read
// goroutine; implementations must not block.
type PriceHandler func(symbol string, price float64)

// MarkPriceStream streams mark-price updates for a set of symbols over the
// combined-streams websocket. It feeds the trailing stop policy; order and
// position events come from the user-data stream instead.
type MarkPriceStream struct {
	wsURL   string
	symbols []string
	handler PriceHandler
}

func NewMarkPriceStream(wsURL string, symbols []string, handler PriceHandler) *MarkPriceStream {
	if wsURL == "" {
		wsURL = "wss://fstream.binance.com"
	}
	return &MarkPriceStream{
		wsURL:   strings.TrimRight(wsURL, "/"),
		symbols: symbols,
		handler: handler,
	}
}

// streamPath builds the combined-streams path, one markPrice stream per
// symbol at the 1s cadence.
func (s *MarkPriceStream) streamPath() string {
	parts := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		parts = append(parts, strings.ToLower(sym)+"@markPrice@1s")
	}
	return "/stream?streams=" + strings.Join(parts, "/")
}

// Start connects and streams in a goroutine, reconnecting with backoff
// until the context is canceled.
func (s *MarkPriceStream) Start(ctx context.Context) {
	go func() {
		retryDelay := time.Second
		for {
			select {
			case <-ctx.Done():
				return
			default:
				if err := s.connectAndStream(ctx); err != nil {
					log.Printf("MarkPriceStream | Disconnected, retrying in %v: %v", retryDelay, err)
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

func (s *MarkPriceStream) connectAndStream(ctx context.Context) error {
	c, _, err := websocket.DefaultDialer.Dial(s.wsURL+s.streamPath(), nil)
	if err != nil {
		return err
	}
	defer c.Close()
	log.Printf("MarkPriceStream | Connection established for %d symbol(s)", len(s.symbols))

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			c.SetReadDeadline(time.Now().Add(90 * time.Second))
			_, msg, err := c.ReadMessage()
			if err != nil {
				return err
			}
			if symbol, price, ok := parseMarkPriceMessage(msg); ok {
				s.handler(symbol, price)
			}
		}
	}
}

// markPriceMessage is the combined-streams envelope around a
// markPriceUpdate payload.
type markPriceMessage struct {
	Data struct {
		EventType string `json:"e"`
		Symbol    string `json:"s"`
		MarkPrice string `json:"p"`
	} `json:"data"`
}

func parseMarkPriceMessage(msg []byte) (string, float64, bool) {
	var m markPriceMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		log.Printf("MarkPriceStream | Failed to parse message: %v", err)
		return "", 0, false
	}
	if m.Data.EventType != "markPriceUpdate" || m.Data.Symbol == "" {
		return "", 0, false
	}
	price := parseFloat(m.Data.MarkPrice)
	if price <= 0 {
		return "", 0, false
	}
	return m.Data.Symbol, price, true
}
