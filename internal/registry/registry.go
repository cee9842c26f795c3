// Package registry holds the process-wide table of tracked accounts and
// mediates control-plane operations onto the live sessions.
//
// Mutations for one account are serialized by a per-account lock; different
// accounts proceed fully concurrently. Accounts are never deleted, only
// emptied of markets (the session is torn down when the set becomes empty).
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/whitetrader/wsrelay/internal/model"
	"github.com/whitetrader/wsrelay/internal/session"
	"github.com/whitetrader/wsrelay/internal/token"
)

// ErrUnknownAccount indicates a control operation referenced an account
// that was never tracked.
var ErrUnknownAccount = errors.New("unknown account")

// Session is the slice of session.Session the registry drives.
type Session interface {
	Start(ctx context.Context)
	Close(ctx context.Context) error
	UpdateMarkets(markets []string)
	State() session.State
}

// Store persists the tracked account table so a restart resumes tracking.
// A nil Store runs the registry purely in memory.
type Store interface {
	Load(ctx context.Context) (map[int64][]string, error)
	AddMarket(ctx context.Context, accountID int64, market string) error
	RemoveMarket(ctx context.Context, accountID int64, market string) error
}

// account is one tracked account. Its mutex serializes every mutation of
// the market set together with the matching session transition.
type account struct {
	mu      sync.Mutex
	id      int64
	markets map[string]struct{}
	session Session
}

// Registry is the process-wide account table.
type Registry struct {
	tokens token.Provider
	sink   session.Dispatcher
	cfg    session.Config
	store  Store
	logger *slog.Logger

	// newSession is swapped in tests.
	newSession func(accountID int64, markets []string) Session

	ctx context.Context // parent context for sessions, set by Start

	mu       sync.RWMutex
	accounts map[int64]*account
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithStore sets the persistent tracking store.
func WithStore(store Store) Option {
	return func(r *Registry) {
		r.store = store
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg session.Config, tokens token.Provider, sink session.Dispatcher, opts ...Option) *Registry {
	r := &Registry{
		tokens:   tokens,
		sink:     sink,
		cfg:      cfg,
		logger:   slog.Default(),
		accounts: make(map[int64]*account),
	}
	r.newSession = func(accountID int64, markets []string) Session {
		return session.NewSession(accountID, markets, r.cfg, r.tokens, r.sink, r.logger)
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Start loads persisted tracking state (when a store is configured) and
// launches sessions for every account with a non-empty market set. The
// context is the parent of all sessions started later.
func (r *Registry) Start(ctx context.Context) error {
	r.ctx = ctx

	if r.store == nil {
		return nil
	}

	tracked, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load tracking store: %w", err)
	}

	for accountID, markets := range tracked {
		acct := r.getOrCreate(accountID)
		acct.mu.Lock()
		for _, m := range markets {
			acct.markets[m] = struct{}{}
		}
		if len(acct.markets) > 0 {
			acct.session = r.newSession(accountID, marketList(acct.markets))
			acct.session.Start(r.ctx)
		}
		acct.mu.Unlock()
	}

	r.logger.Info("registry started", "tracked_accounts", len(tracked))
	return nil
}

// StartTracking adds a market to the account, creating the account and its
// session as needed. Idempotent: re-adding a tracked market is a no-op.
func (r *Registry) StartTracking(ctx context.Context, accountID int64, market string) error {
	if _, err := model.ParseMarket(market); err != nil {
		return err
	}

	acct := r.getOrCreate(accountID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	_, present := acct.markets[market]
	if present && r.sessionLive(acct) {
		return nil
	}

	if !present {
		acct.markets[market] = struct{}{}
		r.persistAdd(ctx, accountID, market)
	}

	if r.sessionLive(acct) {
		acct.session.UpdateMarkets(marketList(acct.markets))
		return nil
	}

	// First market, or the previous session closed on an auth failure:
	// a fresh start was explicitly requested, so build a new session.
	acct.session = r.newSession(accountID, marketList(acct.markets))
	acct.session.Start(r.ctx)
	r.logger.Info("tracking started", "account_id", accountID, "market", market)
	return nil
}

// StopTracking removes a market from the account, sending the unsubscribe
// delta. The session is destroyed when the last market is removed.
func (r *Registry) StopTracking(ctx context.Context, accountID int64, market string) error {
	if _, err := model.ParseMarket(market); err != nil {
		return err
	}

	acct := r.get(accountID)
	if acct == nil {
		return fmt.Errorf("account %d: %w", accountID, ErrUnknownAccount)
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	if _, present := acct.markets[market]; !present {
		return nil
	}

	delete(acct.markets, market)
	r.persistRemove(ctx, accountID, market)

	if acct.session == nil {
		return nil
	}

	if len(acct.markets) == 0 {
		err := acct.session.Close(ctx)
		acct.session = nil
		r.logger.Info("tracking stopped, session closed", "account_id", accountID)
		return err
	}

	acct.session.UpdateMarkets(marketList(acct.markets))
	return nil
}

// AddMarket adds a market without implicitly starting a session: a live
// session picks up the delta, an untracked account just grows its set.
func (r *Registry) AddMarket(ctx context.Context, accountID int64, market string) error {
	if _, err := model.ParseMarket(market); err != nil {
		return err
	}

	acct := r.get(accountID)
	if acct == nil {
		return fmt.Errorf("account %d: %w", accountID, ErrUnknownAccount)
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	if _, present := acct.markets[market]; present {
		return nil
	}

	acct.markets[market] = struct{}{}
	r.persistAdd(ctx, accountID, market)

	if r.sessionLive(acct) {
		acct.session.UpdateMarkets(marketList(acct.markets))
	}
	return nil
}

// RemoveMarket removes a market; same teardown semantics as StopTracking.
func (r *Registry) RemoveMarket(ctx context.Context, accountID int64, market string) error {
	return r.StopTracking(ctx, accountID, market)
}

// Markets returns the sorted market set of an account.
func (r *Registry) Markets(accountID int64) ([]string, error) {
	acct := r.get(accountID)
	if acct == nil {
		return nil, fmt.Errorf("account %d: %w", accountID, ErrUnknownAccount)
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()
	return marketList(acct.markets), nil
}

// SessionState returns the lifecycle state of the account's session, or
// StateIdle when no session exists.
func (r *Registry) SessionState(accountID int64) (session.State, error) {
	acct := r.get(accountID)
	if acct == nil {
		return session.StateIdle, fmt.Errorf("account %d: %w", accountID, ErrUnknownAccount)
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()
	if acct.session == nil {
		return session.StateIdle, nil
	}
	return acct.session.State(), nil
}

// Close tears down all live sessions.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.RLock()
	accounts := make([]*account, 0, len(r.accounts))
	for _, acct := range r.accounts {
		accounts = append(accounts, acct)
	}
	r.mu.RUnlock()

	var firstErr error
	for _, acct := range accounts {
		acct.mu.Lock()
		if acct.session != nil {
			if err := acct.session.Close(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
			acct.session = nil
		}
		acct.mu.Unlock()
	}
	return firstErr
}

func (r *Registry) get(accountID int64) *account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.accounts[accountID]
}

func (r *Registry) getOrCreate(accountID int64) *account {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.accounts[accountID]
	if !ok {
		acct = &account{
			id:      accountID,
			markets: make(map[string]struct{}),
		}
		r.accounts[accountID] = acct
	}
	return acct
}

// sessionLive reports whether the account has a session that is still
// driving (or re-driving) a connection. Callers hold acct.mu.
func (r *Registry) sessionLive(acct *account) bool {
	return acct.session != nil && acct.session.State() != session.StateClosed
}

// Store failures never surface to control callers: tracking proceeds in
// memory and the next restart simply resumes from the last persisted state.
func (r *Registry) persistAdd(ctx context.Context, accountID int64, market string) {
	if r.store == nil {
		return
	}
	if err := r.store.AddMarket(ctx, accountID, market); err != nil {
		r.logger.Error("persist market add failed", "account_id", accountID, "market", market, "error", err)
	}
}

func (r *Registry) persistRemove(ctx context.Context, accountID int64, market string) {
	if r.store == nil {
		return
	}
	if err := r.store.RemoveMarket(ctx, accountID, market); err != nil {
		r.logger.Error("persist market remove failed", "account_id", accountID, "market", market, "error", err)
	}
}

func marketList(set map[string]struct{}) []string {
	list := make([]string, 0, len(set))
	for m := range set {
		list = append(list, m)
	}
	sort.Strings(list)
	return list
}
