package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"lv-marginbook/internal/accounts"
	"lv-marginbook/internal/auth"
	"lv-marginbook/internal/instruments"
	"lv-marginbook/internal/marketdata"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	eventAccountsSnapshot = "accounts_snapshot"
	wsWriteTimeout        = 10 * time.Second
)

// AccountStream pushes the caller's account state changes, and quotes for
// the symbols they subscribe to, over a websocket.
type AccountStream struct {
	bus      *marketdata.Bus
	authSvc  *auth.Service
	accounts *accounts.Service
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewAccountStream(bus *marketdata.Bus, authSvc *auth.Service, accountSvc *accounts.Service, origin string, log zerolog.Logger) *AccountStream {
	return &AccountStream{
		bus:      bus,
		authSvc:  authSvc,
		accounts: accountSvc,
		log:      log.With().Str("component", "account_stream").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return allowOrigin(r, origin) },
		},
	}
}

type wsControlMessage struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols,omitempty"`
}

func allowOrigin(r *http.Request, origin string) bool {
	if origin == "*" {
		return true
	}
	reqOrigin := r.Header.Get("Origin")
	if reqOrigin == "" {
		return true
	}
	// localhost and 127.0.0.1 are interchangeable in development
	if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
		if strings.Contains(reqOrigin, "localhost") || strings.Contains(reqOrigin, "127.0.0.1") {
			return true
		}
	}
	return strings.EqualFold(reqOrigin, origin)
}

type symbolSet struct {
	mu      sync.RWMutex
	symbols map[string]struct{}
}

func (s *symbolSet) set(symbols []string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.symbols == nil {
		s.symbols = make(map[string]struct{})
	}
	for _, raw := range symbols {
		sym := instruments.NormalizeSymbol(raw)
		if sym == "" {
			continue
		}
		if on {
			s.symbols[sym] = struct{}{}
		} else {
			delete(s.symbols, sym)
		}
	}
}

func (s *symbolSet) filter(batch []marketdata.Quote) []marketdata.Quote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.symbols) == 0 {
		return nil
	}
	out := make([]marketdata.Quote, 0, len(batch))
	for _, q := range batch {
		if _, ok := s.symbols[q.Symbol]; ok {
			out = append(out, q)
		}
	}
	return out
}

func (h *AccountStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// browsers cannot set headers on websocket requests
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	userID, err := h.authSvc.ParseToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)

	write := func(evt marketdata.Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(evt)
	}

	if h.accounts != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		list, err := h.accounts.List(ctx, userID)
		cancel()
		if err != nil {
			h.log.Warn().Err(err).Str("user_id", userID).Msg("initial snapshot failed")
		} else if err := write(marketdata.Event{Type: eventAccountsSnapshot, Data: list}); err != nil {
			return
		}
	}

	var quotes symbolSet
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ctrl wsControlMessage
			if err := json.Unmarshal(payload, &ctrl); err != nil {
				continue
			}
			switch strings.ToLower(strings.TrimSpace(ctrl.Type)) {
			case "subscribe_quotes":
				quotes.set(ctrl.Symbols, true)
			case "unsubscribe_quotes":
				quotes.set(ctrl.Symbols, false)
			}
		}
	}()

	for {
		select {
		case evt := <-sub:
			switch evt.Type {
			case marketdata.EventAccountState:
				if evt.UserID != userID {
					continue
				}
			case marketdata.EventQuote:
				batch, ok := evt.Data.([]marketdata.Quote)
				if !ok {
					continue
				}
				batch = quotes.filter(batch)
				if len(batch) == 0 {
					continue
				}
				evt.Data = batch
			default:
				continue
			}
			if err := write(evt); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
