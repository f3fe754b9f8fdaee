package feed

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// controlFrame is an outbound subscription request.
type controlFrame struct {
	Method string   `json:"method"`
	Keys   []string `json:"keys,omitempty"`
}

const (
	methodSubscribeNewToken     = "subscribeNewToken"
	methodSubscribeTokenTrade   = "subscribeTokenTrade"
	methodUnsubscribeTokenTrade = "unsubscribeTokenTrade"
	methodSubscribeAccountTrade = "subscribeAccountTrade"
)

// Sender transmits a control frame upstream. The websocket client
// implements it; tests substitute a recorder.
type Sender interface {
	SendControl(v any) error
}

// Subscriptions tracks which tokens and trader keys are subscribed.
// While the transport is down the sets remain authoritative and are
// replayed on reconnect.
type Subscriptions struct {
	mu                sync.Mutex
	sender            Sender
	connected         bool
	tokenSubs         map[string]struct{}
	subscribedTraders map[string]struct{}
	pendingTraderSubs map[string]struct{}
}

// NewSubscriptions creates a Subscriptions controller bound to sender.
func NewSubscriptions(sender Sender) *Subscriptions {
	return &Subscriptions{
		sender:            sender,
		tokenSubs:         make(map[string]struct{}),
		subscribedTraders: make(map[string]struct{}),
		pendingTraderSubs: make(map[string]struct{}),
	}
}

// SubscribeToken adds mint to the token set and, when connected,
// sends the subscribe frame.
func (s *Subscriptions) SubscribeToken(mint string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokenSubs[mint] = struct{}{}
	if s.connected {
		s.send(controlFrame{Method: methodSubscribeTokenTrade, Keys: []string{mint}})
	}
}

// UnsubscribeToken removes mint from the token set and, when
// connected, sends the unsubscribe frame.
func (s *Subscriptions) UnsubscribeToken(mint string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tokenSubs, mint)
	if s.connected {
		s.send(controlFrame{Method: methodUnsubscribeTokenTrade, Keys: []string{mint}})
	}
}

// SubscribeTrader subscribes to a trader's account stream. While
// disconnected the key is queued and replayed on reconnect.
func (s *Subscriptions) SubscribeTrader(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscribedTraders[key]; ok {
		return
	}
	if !s.connected {
		s.pendingTraderSubs[key] = struct{}{}
		return
	}
	if s.send(controlFrame{Method: methodSubscribeAccountTrade, Keys: []string{key}}) {
		s.subscribedTraders[key] = struct{}{}
		delete(s.pendingTraderSubs, key)
	} else {
		s.pendingTraderSubs[key] = struct{}{}
	}
}

// OnConnected replays all subscription state on a fresh transport:
// the new-token stream, the token set, then pending trader keys.
func (s *Subscriptions) OnConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connected = true
	s.send(controlFrame{Method: methodSubscribeNewToken})

	if len(s.tokenSubs) > 0 {
		s.send(controlFrame{Method: methodSubscribeTokenTrade, Keys: keys(s.tokenSubs)})
	}

	if len(s.pendingTraderSubs) > 0 {
		pending := keys(s.pendingTraderSubs)
		if s.send(controlFrame{Method: methodSubscribeAccountTrade, Keys: pending}) {
			for _, k := range pending {
				s.subscribedTraders[k] = struct{}{}
				delete(s.pendingTraderSubs, k)
			}
		}
	}

	log.Info().
		Int("tokens", len(s.tokenSubs)).
		Int("traders", len(s.subscribedTraders)).
		Msg("subs: replayed after connect")
}

// OnDisconnected marks the transport down. All sets are retained for
// replay; subscribed traders fall back to pending so a reconnect
// re-sends them.
func (s *Subscriptions) OnDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connected = false
	for k := range s.subscribedTraders {
		s.pendingTraderSubs[k] = struct{}{}
		delete(s.subscribedTraders, k)
	}
}

// send transmits a frame, logging failures. Returns true on success.
func (s *Subscriptions) send(frame controlFrame) bool {
	if err := s.sender.SendControl(frame); err != nil {
		log.Warn().Err(err).Str("method", frame.Method).Msg("subs: control frame send failed")
		return false
	}
	return true
}

// IsTokenSubscribed reports whether mint is in the token set.
func (s *Subscriptions) IsTokenSubscribed(mint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tokenSubs[mint]
	return ok
}

// TraderState reports whether key is subscribed and whether it is pending.
func (s *Subscriptions) TraderState(key string) (subscribed, pending bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, subscribed = s.subscribedTraders[key]
	_, pending = s.pendingTraderSubs[key]
	return subscribed, pending
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
