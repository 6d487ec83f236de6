package sponsorship

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/gaslessbase/gasless-relay/pkg/logger"
	"github.com/gaslessbase/gasless-relay/storage"
)

const (
	quotaSnapshotKey = "sponsorship:quota"
	auditKeyPrefix   = "sponsorship:audit:"

	eventBufferSize = 64
)

// Engine owns one paymaster's Quota behind a single mutex. Every read and
// write, including the lazy window rollover that precedes them, happens
// inside that boundary, so a check/charge pair from two concurrent requests
// can never jointly overspend a limit.
type Engine struct {
	mu    sync.Mutex
	quota *Quota

	admin  common.Address
	db     storage.Storage
	logger logger.Logger
	nowFn  func() time.Time

	events chan AuditEvent
}

type Option func(*Engine)

// WithClock substitutes the wall clock. Window rollover is driven entirely
// by this function.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.nowFn = now
	}
}

// NewEngine builds an engine for the given admin address. db may be nil for
// an in-memory engine; with a db, a previously persisted snapshot is restored
// before the engine serves its first decision.
func NewEngine(admin common.Address, db storage.Storage, lgr logger.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		admin:  admin,
		db:     db,
		logger: logger.EnsureLogger(lgr),
		nowFn:  time.Now,
		events: make(chan AuditEvent, eventBufferSize),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.quota = NewQuota(e.nowFn())
	if err := e.restore(); err != nil {
		return nil, fmt.Errorf("failed to restore quota snapshot: %w", err)
	}

	return e, nil
}

// Events exposes successful mutations for external auditing. The channel is
// buffered and sends never block; a consumer that falls behind misses events
// from the channel but not from storage.
func (e *Engine) Events() <-chan AuditEvent {
	return e.events
}

func (e *Engine) Admin() common.Address {
	return e.admin
}

// CanSponsor evaluates the policy chain for sponsoring value wei on behalf of
// user calling target. It mutates nothing except the lazy window rollover.
func (e *Engine) CanSponsor(user, target common.Address, value *big.Int) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.quota.rollover(e.nowFn())
	return e.decide(user, target, value)
}

// decide runs the ordered short-circuit chain over post-rollover state. The
// first failing step is final. Limit boundaries are inclusive: a request that
// lands exactly on a limit is allowed.
func (e *Engine) decide(user, target common.Address, value *big.Int) Decision {
	q := e.quota
	if value == nil {
		value = big.NewInt(0)
	}

	if q.Paused {
		return Decision{Rule: RulePaused}
	}
	if q.BlacklistedUsers[user] {
		return Decision{Rule: RuleBlacklisted}
	}
	if q.WhitelistEnabled && !q.WhitelistedUsers[user] && !q.WhitelistedContracts[target] {
		return Decision{Rule: RuleWhitelist}
	}
	if new(big.Int).Add(q.DailySpent, value).Cmp(q.DailyLimit) > 0 {
		return Decision{Rule: RuleDailyLimit}
	}
	if new(big.Int).Add(q.MonthlySpent, value).Cmp(q.MonthlyLimit) > 0 {
		return Decision{Rule: RuleMonthlyLimit}
	}
	if new(big.Int).Add(q.userSpent(user), value).Cmp(q.PerUserLimit) > 0 {
		return Decision{Rule: RulePerUserLimit}
	}

	return Decision{Allowed: true}
}

// Sponsor evaluates the policy chain for value wei on behalf of user calling
// target and, when the chain allows, records the spend before releasing the
// lock. The check and the charge share one lock acquisition, so two
// concurrent callers can never both pass the check against the same
// remaining headroom.
func (e *Engine) Sponsor(user, target common.Address, value *big.Int) (Decision, error) {
	if value == nil || value.Sign() < 0 {
		return Decision{}, fmt.Errorf("sponsor value must be a non-negative amount of wei")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.quota.rollover(e.nowFn())

	decision := e.decide(user, target, value)
	if !decision.Allowed {
		return decision, nil
	}
	if err := e.chargeLocked(user, value); err != nil {
		return decision, err
	}
	return decision, nil
}

// ChargeSponsorship records value wei as spent on behalf of user without
// consulting the policy chain. It exists for charges decided elsewhere (an
// on-chain paymaster the engine mirrors); a service that both decides and
// charges must use Sponsor instead.
func (e *Engine) ChargeSponsorship(user common.Address, value *big.Int) error {
	if value == nil || value.Sign() < 0 {
		return fmt.Errorf("charge value must be a non-negative amount of wei")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.quota.rollover(e.nowFn())
	return e.chargeLocked(user, value)
}

// chargeLocked moves all three counters and commits the result. When the
// commit fails the counters are restored, so an errored charge leaves the
// quota exactly as it was: the caller retries or gives up, never half-charged.
func (e *Engine) chargeLocked(user common.Address, value *big.Int) error {
	q := e.quota
	prevDaily, prevMonthly := q.DailySpent, q.MonthlySpent
	prevPerUser, hadPerUser := q.PerUserSpent[user]

	q.DailySpent = new(big.Int).Add(q.DailySpent, value)
	q.MonthlySpent = new(big.Int).Add(q.MonthlySpent, value)
	q.PerUserSpent[user] = new(big.Int).Add(q.userSpent(user), value)

	if err := e.commitLocked(EventSponsorshipCharged, user, map[string]string{
		"value": value.String(),
	}); err != nil {
		q.DailySpent = prevDaily
		q.MonthlySpent = prevMonthly
		if hadPerUser {
			q.PerUserSpent[user] = prevPerUser
		} else {
			delete(q.PerUserSpent, user)
		}
		return err
	}
	return nil
}

// SetSpendingLimits replaces the three ceilings. A nil value keeps the
// current limit for that axis; zero disables sponsorship on it.
func (e *Engine) SetSpendingLimits(caller common.Address, daily, monthly, perUser *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorizeLocked(caller); err != nil {
		return err
	}

	q := e.quota
	prevDaily, prevMonthly, prevPerUser := q.DailyLimit, q.MonthlyLimit, q.PerUserLimit

	if daily != nil {
		q.DailyLimit = new(big.Int).Set(daily)
	}
	if monthly != nil {
		q.MonthlyLimit = new(big.Int).Set(monthly)
	}
	if perUser != nil {
		q.PerUserLimit = new(big.Int).Set(perUser)
	}

	if err := e.commitLocked(EventSpendingLimitUpdated, caller, map[string]string{
		"daily_limit":    q.DailyLimit.String(),
		"monthly_limit":  q.MonthlyLimit.String(),
		"per_user_limit": q.PerUserLimit.String(),
	}); err != nil {
		q.DailyLimit, q.MonthlyLimit, q.PerUserLimit = prevDaily, prevMonthly, prevPerUser
		return err
	}
	return nil
}

func (e *Engine) SetContractWhitelist(caller, target common.Address, allowed bool) error {
	return e.setFlag(caller, EventContractWhitelisted, target, allowed, func(q *Quota) map[common.Address]bool {
		return q.WhitelistedContracts
	})
}

func (e *Engine) SetUserWhitelist(caller, user common.Address, allowed bool) error {
	return e.setFlag(caller, EventUserWhitelisted, user, allowed, func(q *Quota) map[common.Address]bool {
		return q.WhitelistedUsers
	})
}

func (e *Engine) SetUserBlacklist(caller, user common.Address, denied bool) error {
	return e.setFlag(caller, EventUserBlacklisted, user, denied, func(q *Quota) map[common.Address]bool {
		return q.BlacklistedUsers
	})
}

func (e *Engine) setFlag(caller common.Address, kind EventKind, subject common.Address, value bool, pick func(*Quota) map[common.Address]bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorizeLocked(caller); err != nil {
		return err
	}

	set := pick(e.quota)
	wasSet := set[subject]
	if value {
		set[subject] = true
	} else {
		delete(set, subject)
	}

	if err := e.commitLocked(kind, caller, map[string]string{
		"address": subject.Hex(),
		"value":   fmt.Sprintf("%t", value),
	}); err != nil {
		if wasSet {
			set[subject] = true
		} else {
			delete(set, subject)
		}
		return err
	}
	return nil
}

func (e *Engine) SetUseWhitelist(caller common.Address, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorizeLocked(caller); err != nil {
		return err
	}

	prev := e.quota.WhitelistEnabled
	e.quota.WhitelistEnabled = enabled
	if err := e.commitLocked(EventWhitelistToggled, caller, map[string]string{
		"enabled": fmt.Sprintf("%t", enabled),
	}); err != nil {
		e.quota.WhitelistEnabled = prev
		return err
	}
	return nil
}

// SetPaused is the kill switch. While paused every decision denies before any
// other rule is consulted.
func (e *Engine) SetPaused(caller common.Address, paused bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorizeLocked(caller); err != nil {
		return err
	}

	prev := e.quota.Paused
	e.quota.Paused = paused
	if err := e.commitLocked(EventPausedToggled, caller, map[string]string{
		"paused": fmt.Sprintf("%t", paused),
	}); err != nil {
		e.quota.Paused = prev
		return err
	}
	return nil
}

func (e *Engine) authorizeLocked(caller common.Address) error {
	if caller != e.admin {
		e.logger.Info("rejected admin operation from non-admin caller", "caller", caller.Hex())
		return ErrUnauthorized
	}
	return nil
}

// QuotaView is the externally visible slice of the quota: limits, aggregate
// spend and flags. Per-user counters stay internal.
type QuotaView struct {
	DailyLimit   *big.Int `json:"dailyLimit"`
	MonthlyLimit *big.Int `json:"monthlyLimit"`
	PerUserLimit *big.Int `json:"perUserLimit"`

	DailySpent   *big.Int `json:"dailySpent"`
	MonthlySpent *big.Int `json:"monthlySpent"`

	DailyWindowStart   time.Time `json:"dailyWindowStart"`
	MonthlyWindowStart time.Time `json:"monthlyWindowStart"`

	WhitelistEnabled bool `json:"whitelistEnabled"`
	Paused           bool `json:"paused"`
}

func (e *Engine) View() QuotaView {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.quota.rollover(e.nowFn())

	q := e.quota
	return QuotaView{
		DailyLimit:   new(big.Int).Set(q.DailyLimit),
		MonthlyLimit: new(big.Int).Set(q.MonthlyLimit),
		PerUserLimit: new(big.Int).Set(q.PerUserLimit),

		DailySpent:   new(big.Int).Set(q.DailySpent),
		MonthlySpent: new(big.Int).Set(q.MonthlySpent),

		DailyWindowStart:   q.DailyWindowStart,
		MonthlyWindowStart: q.MonthlyWindowStart,

		WhitelistEnabled: q.WhitelistEnabled,
		Paused:           q.Paused,
	}
}

// AuditLog returns every persisted audit event in creation order.
func (e *Engine) AuditLog() ([]AuditEvent, error) {
	if e.db == nil {
		return nil, nil
	}

	items, err := e.db.GetByPrefix([]byte(auditKeyPrefix))
	if err != nil {
		return nil, err
	}

	events := make([]AuditEvent, 0, len(items))
	for _, item := range items {
		var event AuditEvent
		if err := json.Unmarshal(item.Value, &event); err != nil {
			return nil, fmt.Errorf("corrupt audit event at key %s: %w", item.Key, err)
		}
		events = append(events, event)
	}
	return events, nil
}

// commitLocked writes the post-mutation snapshot and its audit event in one
// batch, then announces the event. A rejected batch fails the whole mutation
// and nothing is announced; the caller restores the in-memory state.
func (e *Engine) commitLocked(kind EventKind, caller common.Address, details map[string]string) error {
	now := e.nowFn()
	event := AuditEvent{
		ID:      newEventID(now),
		Kind:    kind,
		At:      now,
		Caller:  caller,
		Details: details,
	}

	if e.db != nil {
		snapRaw, err := e.snapshotLocked()
		if err != nil {
			return err
		}
		eventRaw, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if err := e.db.BatchWrite(map[string][]byte{
			quotaSnapshotKey:           snapRaw,
			auditKeyPrefix + event.ID: eventRaw,
		}); err != nil {
			return fmt.Errorf("failed to persist quota state: %w", err)
		}
	}

	select {
	case e.events <- event:
	default:
	}

	e.logger.Info("quota state changed", "event", string(kind), "id", event.ID, "caller", caller.Hex())
	return nil
}

// quotaSnapshot is the storage form of a Quota: big.Ints as decimal strings,
// address sets as hex lists.
type quotaSnapshot struct {
	DailySpent   string            `json:"daily_spent"`
	MonthlySpent string            `json:"monthly_spent"`
	PerUserSpent map[string]string `json:"per_user_spent"`

	DailyWindowStart   time.Time `json:"daily_window_start"`
	MonthlyWindowStart time.Time `json:"monthly_window_start"`

	DailyLimit   string `json:"daily_limit"`
	MonthlyLimit string `json:"monthly_limit"`
	PerUserLimit string `json:"per_user_limit"`

	WhitelistedContracts []string `json:"whitelisted_contracts"`
	WhitelistedUsers     []string `json:"whitelisted_users"`
	BlacklistedUsers     []string `json:"blacklisted_users"`
	WhitelistEnabled     bool     `json:"whitelist_enabled"`
	Paused               bool     `json:"paused"`
}

func (e *Engine) snapshotLocked() ([]byte, error) {
	q := e.quota
	snap := quotaSnapshot{
		DailySpent:   q.DailySpent.String(),
		MonthlySpent: q.MonthlySpent.String(),
		PerUserSpent: lo.MapEntries(q.PerUserSpent, func(user common.Address, spent *big.Int) (string, string) {
			return user.Hex(), spent.String()
		}),

		DailyWindowStart:   q.DailyWindowStart,
		MonthlyWindowStart: q.MonthlyWindowStart,

		DailyLimit:   q.DailyLimit.String(),
		MonthlyLimit: q.MonthlyLimit.String(),
		PerUserLimit: q.PerUserLimit.String(),

		WhitelistedContracts: hexList(q.WhitelistedContracts),
		WhitelistedUsers:     hexList(q.WhitelistedUsers),
		BlacklistedUsers:     hexList(q.BlacklistedUsers),
		WhitelistEnabled:     q.WhitelistEnabled,
		Paused:               q.Paused,
	}

	return json.Marshal(snap)
}

func (e *Engine) restore() error {
	if e.db == nil {
		return nil
	}

	raw, err := e.db.GetKey([]byte(quotaSnapshotKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var snap quotaSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return err
	}

	q := NewQuota(e.nowFn())
	if q.DailySpent, err = parseWei(snap.DailySpent); err != nil {
		return err
	}
	if q.MonthlySpent, err = parseWei(snap.MonthlySpent); err != nil {
		return err
	}
	if q.DailyLimit, err = parseWei(snap.DailyLimit); err != nil {
		return err
	}
	if q.MonthlyLimit, err = parseWei(snap.MonthlyLimit); err != nil {
		return err
	}
	if q.PerUserLimit, err = parseWei(snap.PerUserLimit); err != nil {
		return err
	}
	for user, spent := range snap.PerUserSpent {
		value, err := parseWei(spent)
		if err != nil {
			return err
		}
		q.PerUserSpent[common.HexToAddress(user)] = value
	}

	q.DailyWindowStart = snap.DailyWindowStart
	q.MonthlyWindowStart = snap.MonthlyWindowStart
	q.WhitelistedContracts = hexSet(snap.WhitelistedContracts)
	q.WhitelistedUsers = hexSet(snap.WhitelistedUsers)
	q.BlacklistedUsers = hexSet(snap.BlacklistedUsers)
	q.WhitelistEnabled = snap.WhitelistEnabled
	q.Paused = snap.Paused

	e.quota = q
	return nil
}

func hexList(set map[common.Address]bool) []string {
	return lo.Map(lo.Keys(set), func(address common.Address, _ int) string {
		return address.Hex()
	})
}

func hexSet(list []string) map[common.Address]bool {
	return lo.SliceToMap(list, func(hex string) (common.Address, bool) {
		return common.HexToAddress(hex), true
	})
}

func parseWei(s string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid wei amount %q in quota snapshot", s)
	}
	return value, nil
}
