package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/whitetrader/wsrelay/internal/model"
	"github.com/whitetrader/wsrelay/internal/subscription"
	"github.com/whitetrader/wsrelay/internal/token"
)

// Dispatcher receives events read from the connection. Implementations must
// not block: the session calls Dispatch from its read loop.
type Dispatcher interface {
	Dispatch(event model.Event)
}

// Session owns the realtime connection for one account.
type Session struct {
	accountID int64
	cfg       Config
	tokens    token.Provider
	sink      Dispatcher
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state atomic.Int32
	reqID atomic.Int64

	// subMu guards the desired market set and the live connection so a
	// subscription diff is computed and sent atomically with respect to
	// concurrent market edits and the initial subscribe after (re)connect.
	subMu   sync.Mutex
	markets map[string]struct{}
	conn    Client

	// newClient is swapped in tests.
	newClient func(ClientConfig, *slog.Logger) Client
}

// NewSession creates a session for the account with its initial market set.
// The session is Idle until Start is called.
func NewSession(accountID int64, markets []string, cfg Config, tokens token.Provider, sink Dispatcher, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}

	marketSet := make(map[string]struct{}, len(markets))
	for _, m := range markets {
		marketSet[m] = struct{}{}
	}

	s := &Session{
		accountID: accountID,
		cfg:       cfg,
		tokens:    tokens,
		sink:      sink,
		logger:    logger.With("account_id", accountID),
		markets:   marketSet,
		newClient: NewClient,
	}
	s.state.Store(int32(StateIdle))
	return s
}

// AccountID returns the owning account.
func (s *Session) AccountID() int64 {
	return s.accountID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Markets returns a sorted snapshot of the desired market set.
func (s *Session) Markets() []string {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.marketListLocked()
}

// Start launches the connection loop. The session keeps reconnecting on
// transport loss until Close is called or authorization fails.
func (s *Session) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
}

// Close tears the session down: cancels the keep-alive and any pending
// reconnect backoff, closes the transport, and discards the token. Waits
// for the connection loop to exit or the context to expire.
func (s *Session) Close(ctx context.Context) error {
	s.setState(StateClosing)
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.setState(StateClosed)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateMarkets replaces the desired market set. While a connection is live
// only the delta is sent upstream: subscribe for added markets and newly
// referenced assets, unsubscribe for removed ones. Offline, the new set is
// picked up by the next (re)connect's full subscribe.
func (s *Session) UpdateMarkets(markets []string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	oldList := s.marketListLocked()
	added, removed := subscription.Diff(oldList, markets)
	if len(added) == 0 && len(removed) == 0 {
		return
	}
	assetsAdded, assetsRemoved := subscription.DiffAssets(oldList, markets)

	s.markets = make(map[string]struct{}, len(markets))
	for _, m := range markets {
		s.markets[m] = struct{}{}
	}

	if s.conn == nil {
		return
	}

	s.logger.Debug("sending subscription delta",
		"added", added,
		"removed", removed,
		"assets_added", assetsAdded,
		"assets_removed", assetsRemoved,
	)

	var reqs []request
	if len(added) > 0 {
		reqs = append(reqs, ordersSubscribeRequest(s.nextID(), added))
	}
	if len(removed) > 0 {
		reqs = append(reqs, ordersUnsubscribeRequest(s.nextID(), removed))
	}
	if len(assetsAdded) > 0 {
		reqs = append(reqs, balanceSubscribeRequest(s.nextID(), assetsAdded))
	}
	if len(assetsRemoved) > 0 {
		reqs = append(reqs, balanceUnsubscribeRequest(s.nextID(), assetsRemoved))
	}

	// Send failures are left to the read loop: it observes the broken
	// transport and reconnects with a full subscribe of the new set.
	if err := s.sendAll(s.conn, reqs); err != nil {
		s.logger.Warn("subscription delta send failed", "error", err)
	}
}

// run is the connection loop: one iteration per connection attempt.
func (s *Session) run() {
	defer s.wg.Done()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.cfg.ReconnectBaseDelay
	expo.MaxInterval = s.cfg.ReconnectMaxDelay

	for {
		if s.ctx.Err() != nil {
			break
		}

		becameActive, err := s.runConnection()

		if s.ctx.Err() != nil {
			break
		}

		if isAuthFailure(err) {
			s.logger.Error("authorization failed, closing session", "error", err)
			break
		}

		s.setState(StateReconnecting)
		s.logger.Warn("connection lost", "error", err)

		if becameActive {
			expo.Reset()
		}
		wait := expo.NextBackOff()
		if wait == backoff.Stop {
			wait = s.cfg.ReconnectMaxDelay
		}

		select {
		case <-s.ctx.Done():
		case <-time.After(wait):
		}
	}

	s.setState(StateClosed)
}

// runConnection drives a single connect → authorize → subscribe → stream
// cycle. The returned bool reports whether the session reached Active.
func (s *Session) runConnection() (bool, error) {
	connLogger := s.logger.With("conn_id", uuid.New().String())

	s.setState(StateConnecting)

	// Tokens are short-lived; fetch a fresh one on every attempt.
	tok, err := s.tokens.Fetch(s.ctx, s.accountID)
	if err != nil {
		return false, err
	}

	client := s.newClient(ClientConfig{
		URL:              s.cfg.WSURL,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		WriteTimeout:     s.cfg.WriteTimeout,
		BufferSize:       s.cfg.ReadBufferSize,
	}, connLogger)

	if err := client.Connect(s.ctx); err != nil {
		return false, fmt.Errorf("dial exchange: %w", err)
	}
	defer func() {
		s.subMu.Lock()
		if s.conn == client {
			s.conn = nil
		}
		s.subMu.Unlock()
		client.Close()
	}()

	s.setState(StateAuthenticating)
	if err := s.authorize(client, tok); err != nil {
		return false, err
	}

	// Attach the connection and send the initial subscriptions under subMu
	// so a concurrent market edit cannot slip between snapshot and send.
	s.subMu.Lock()
	s.conn = client
	plan := subscription.Derive(s.marketListLocked())
	err = s.sendAll(client, []request{
		ordersSubscribeRequest(s.nextID(), plan.Markets),
		balanceSubscribeRequest(s.nextID(), plan.Assets),
	})
	s.subMu.Unlock()
	if err != nil {
		return false, err
	}

	s.setState(StateActive)
	connLogger.Info("session active",
		"markets", len(plan.Markets),
		"assets", len(plan.Assets),
	)

	return true, s.stream(client)
}

// authorize sends the authorize request and waits for its acknowledgment.
func (s *Session) authorize(client Client, tok string) error {
	id := s.nextID()
	data, err := authorizeRequest(id, tok).marshal()
	if err != nil {
		return err
	}
	if err := client.Send(data); err != nil {
		return fmt.Errorf("send authorize: %w", err)
	}

	timer := time.NewTimer(s.cfg.AuthTimeout)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		case <-timer.C:
			return ErrAuthTimeout
		case err := <-client.Errors():
			return fmt.Errorf("transport during authorize: %w", err)
		case msg, ok := <-client.Messages():
			if !ok {
				return errors.New("connection closed during authorize")
			}
			var in inbound
			if err := json.Unmarshal(msg.Data, &in); err != nil {
				s.logger.Warn("malformed message during authorize", "error", err)
				continue
			}
			if in.ID == nil || *in.ID != id {
				continue
			}
			if in.Error != nil {
				return fmt.Errorf("%w: %v", ErrAuthRejected, in.Error)
			}
			return nil
		}
	}
}

// stream is the Active-state loop: keep-alive plus inbound dispatch.
func (s *Session) stream(client Client) error {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()

		case err := <-client.Errors():
			return fmt.Errorf("transport: %w", err)

		case <-ticker.C:
			data, err := pingRequest(s.nextID()).marshal()
			if err != nil {
				return err
			}
			// A failed keep-alive send is a connection loss.
			if err := client.Send(data); err != nil {
				return fmt.Errorf("send keep-alive: %w", err)
			}

		case msg, ok := <-client.Messages():
			if !ok {
				return errors.New("message channel closed")
			}
			s.handleMessage(msg)
		}
	}
}

// handleMessage processes one inbound envelope. Malformed payloads are
// logged and dropped; unrecognized methods are ignored for forward
// compatibility. Neither closes the connection.
func (s *Session) handleMessage(msg TimestampedMessage) {
	var in inbound
	if err := json.Unmarshal(msg.Data, &in); err != nil {
		s.logger.Warn("malformed inbound message, dropping", "error", err)
		return
	}

	// Response to one of our requests (ping, subscribe, unsubscribe).
	if in.ID != nil {
		if in.Error != nil {
			s.logger.Warn("request rejected by exchange",
				"request_id", *in.ID,
				"error", in.Error,
			)
		}
		return
	}

	switch in.Method {
	case updateOrdersExecuted:
		s.dispatch(model.EventOrdersExecuted, in.Params, msg.ReceivedAt)
	case updateBalanceSpot:
		s.dispatch(model.EventBalanceUpdate, in.Params, msg.ReceivedAt)
	default:
		s.logger.Debug("ignoring unrecognized method", "method", in.Method)
	}
}

func (s *Session) dispatch(kind model.EventKind, params json.RawMessage, receivedAt time.Time) {
	s.sink.Dispatch(model.Event{
		AccountID:  s.accountID,
		Kind:       kind,
		Params:     params,
		ReceivedAt: receivedAt,
	})
}

func (s *Session) sendAll(client Client, reqs []request) error {
	for _, req := range reqs {
		data, err := req.marshal()
		if err != nil {
			return err
		}
		if err := client.Send(data); err != nil {
			return fmt.Errorf("send %s: %w", req.Method, err)
		}
	}
	return nil
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.logger.Debug("session state", "from", prev.String(), "to", st.String())
	}
}

func (s *Session) nextID() int64 {
	return s.reqID.Add(1)
}

func (s *Session) marketListLocked() []string {
	list := make([]string, 0, len(s.markets))
	for m := range s.markets {
		list = append(list, m)
	}
	sort.Strings(list)
	return list
}

// isAuthFailure reports whether the connection attempt failed on a
// definitive authentication rejection rather than transport. Auth failures
// are terminal; transient token-fetch errors reconnect like any other loss.
func isAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthRejected) || errors.Is(err, token.ErrUnknownAccount) {
		return true
	}
	var authErr *token.AuthError
	if errors.As(err, &authErr) {
		return !authErr.IsRetryable()
	}
	return false
}
