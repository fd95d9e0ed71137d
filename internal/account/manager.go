package account

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/kestrelix/antigravity-relay/internal/auth"
	"github.com/kestrelix/antigravity-relay/internal/clock"
	"github.com/kestrelix/antigravity-relay/internal/config"
	"github.com/kestrelix/antigravity-relay/internal/store"
	"github.com/kestrelix/antigravity-relay/internal/utils"
)

// ErrAccountNotFound is returned for operations on an unknown email.
var ErrAccountNotFound = errors.New("account not found")

// Manager owns the account pool. All reads and writes of the slice, the
// sticky index and per-account state go through its mutex; persistence is
// asynchronous and never holds the lock during disk IO.
type Manager struct {
	mu          sync.Mutex
	accounts    []*Account
	activeIndex int

	cfg      *config.Config
	clock    clock.Clock
	ledger   *Ledger
	strategy Strategy
	creds    *Credentials
	file     *store.FileStore
}

// NewManager creates a Manager. Call Load before serving.
func NewManager(cfg *config.Config, clk clock.Clock, ledger *Ledger, strategy Strategy, creds *Credentials, file *store.FileStore) *Manager {
	return &Manager{
		cfg:      cfg,
		clock:    clk,
		ledger:   ledger,
		strategy: strategy,
		creds:    creds,
		file:     file,
	}
}

// Load reads the accounts file. A missing file leaves an empty pool.
func (m *Manager) Load() error {
	var state persistedState
	if err := m.file.Load(&state); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.accounts = state.Accounts
	m.activeIndex = state.ActiveIndex
	if m.activeIndex < 0 || m.activeIndex >= len(m.accounts) {
		m.activeIndex = 0
	}
	return nil
}

// save persists a snapshot asynchronously. Failures are logged, not
// surfaced; the in-memory state is authoritative.
func (m *Manager) save() {
	state := m.snapshotLocked()
	go func() {
		if err := m.file.Save(state); err != nil {
			utils.Warn("[AccountManager] Failed to save accounts: %v", err)
		}
	}()
}

func (m *Manager) snapshotLocked() *persistedState {
	accounts := make([]*Account, len(m.accounts))
	for i, a := range m.accounts {
		cp := *a
		if a.ModelRateLimits != nil {
			cp.ModelRateLimits = make(map[string]*RateLimitInfo, len(a.ModelRateLimits))
			for k, v := range a.ModelRateLimits {
				lv := *v
				cp.ModelRateLimits[k] = &lv
			}
		}
		accounts[i] = &cp
	}
	return &persistedState{Accounts: accounts, ActiveIndex: m.activeIndex}
}

// Select runs the configured strategy for model and moves the sticky index
// to the chosen account.
func (m *Manager) Select(model string) *SelectionResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ledger.ClearExpired(m.accounts)
	result := m.strategy.SelectAccount(m.accounts, model, SelectOptions{
		CurrentIndex: m.activeIndex,
		MaxWaitMs:    m.cfg.MaxWaitBeforeErrorMs,
		OnSave:       func() { m.save() },
	})
	m.activeIndex = result.Index
	if result.Account != nil {
		cp := *result.Account
		result.Account = &cp
	}
	return result
}

// Advance moves the sticky index past the current account, landing on the
// next usable one for model when there is one.
func (m *Manager) Advance(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.accounts)
	if n == 0 {
		return
	}
	for i := 1; i <= n; i++ {
		idx := (m.activeIndex + i) % n
		if m.ledger.IsUsable(m.accounts[idx], model) {
			m.activeIndex = idx
			m.save()
			return
		}
	}
	m.activeIndex = (m.activeIndex + 1) % n
	m.save()
}

// AllRateLimited reports whether no account can serve model.
func (m *Manager) AllRateLimited(model string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.AllRateLimited(m.accounts, model)
}

// MinWait returns the shortest wait until an account frees up for model.
func (m *Manager) MinWait(model string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.MinWait(m.accounts, model)
}

// ClearExpired drops expired rate limits, returning how many were cleared.
func (m *Manager) ClearExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cleared := m.ledger.ClearExpired(m.accounts)
	if cleared > 0 {
		m.save()
	}
	return cleared
}

// ResetAllLimits clears every rate limit on every account.
func (m *Manager) ResetAllLimits() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger.ResetAll(m.accounts)
	m.save()
}

// MarkRateLimited records a rate limit for (email, model).
func (m *Manager) MarkRateLimited(email, model string, resetMs int64, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.findLocked(email)
	if a == nil {
		return
	}
	m.ledger.Mark(a, model, resetMs, reason)
	utils.Warn("[AccountManager] %s rate limited for %s (reset in %s)",
		utils.MaskEmail(email), model, utils.FormatDuration(resetMs))
	m.save()
}

// MarkInvalid flags an account as dead until re-authentication.
func (m *Manager) MarkInvalid(email, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.findLocked(email)
	if a == nil {
		return
	}
	m.ledger.MarkInvalid(a, reason)
	utils.Error("[AccountManager] %s marked invalid: %s", utils.MaskEmail(email), reason)
	m.save()
}

// SetEnabled toggles an account.
func (m *Manager) SetEnabled(email string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.findLocked(email)
	if a == nil {
		return ErrAccountNotFound
	}
	a.Enabled = enabled
	m.save()
	return nil
}

// Add inserts or replaces an account by email.
func (m *Manager) Add(a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.findLocked(a.Email); existing != nil {
		*existing = *a
		m.save()
		return nil
	}
	if len(m.accounts) >= m.cfg.MaxAccounts {
		return fmt.Errorf("account limit reached (%d)", m.cfg.MaxAccounts)
	}
	m.accounts = append(m.accounts, a)
	m.save()
	return nil
}

// Remove deletes an account by email.
func (m *Manager) Remove(email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, a := range m.accounts {
		if a.Email == email {
			m.accounts = append(m.accounts[:i], m.accounts[i+1:]...)
			if m.activeIndex >= len(m.accounts) {
				m.activeIndex = 0
			}
			m.creds.ClearCache(email)
			m.save()
			return nil
		}
	}
	return ErrAccountNotFound
}

func (m *Manager) findLocked(email string) *Account {
	for _, a := range m.accounts {
		if a.Email == email {
			return a
		}
	}
	return nil
}

// Accounts returns a deep copy of the pool for read-only use.
func (m *Manager) Accounts() []*Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked().Accounts
}

// Count returns the pool size.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts)
}

// TokenFor resolves an access token for the account. A rejected refresh
// marks the account invalid; a successful one clears a stale invalid flag.
func (m *Manager) TokenFor(ctx context.Context, a *Account) (string, error) {
	token, err := m.creds.TokenFor(ctx, a)
	if err != nil {
		var invalid *auth.TokenInvalidError
		if errors.As(err, &invalid) {
			m.MarkInvalid(a.Email, invalid.Error())
		}
		return "", err
	}

	m.mu.Lock()
	if live := m.findLocked(a.Email); live != nil && live.IsInvalid {
		m.ledger.ClearInvalid(live)
		m.save()
	}
	m.mu.Unlock()

	return token, nil
}

// ClearTokenCache drops the cached token for an email, forcing the next
// request to refresh.
func (m *Manager) ClearTokenCache(email string) {
	m.creds.ClearCache(email)
}

// StrategyName returns the active strategy's name.
func (m *Manager) StrategyName() string {
	return m.strategy.Name()
}

// Status summarizes the pool for banners and health endpoints.
type Status struct {
	Total       int    `json:"total"`
	Enabled     int    `json:"enabled"`
	Invalid     int    `json:"invalid"`
	RateLimited int    `json:"rateLimited"`
	Summary     string `json:"summary"`
}

// GetStatus computes a pool summary. RateLimited counts accounts with any
// active limit.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now().UnixMilli()
	s := Status{Total: len(m.accounts)}
	for _, a := range m.accounts {
		if a.Enabled {
			s.Enabled++
		}
		if a.IsInvalid {
			s.Invalid++
		}
		for _, limit := range a.ModelRateLimits {
			if limit != nil && limit.IsRateLimited && limit.ResetTime > now {
				s.RateLimited++
				break
			}
		}
	}
	s.Summary = fmt.Sprintf("%d total, %d enabled, %d limited, %d invalid",
		s.Total, s.Enabled, s.RateLimited, s.Invalid)
	return s
}
