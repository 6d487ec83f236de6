// Package sponsorship decides whether a user operation's gas cost gets
// subsidized, and tracks the rolling spend counters that decision reads.
package sponsorship

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	dailyWindow   = 24 * time.Hour
	monthlyWindow = 30 * 24 * time.Hour
)

var (
	DefaultDailyLimit   = big.NewInt(100_000_000_000_000_000) // 0.1 ETH
	DefaultMonthlyLimit = big.NewInt(1_000_000_000_000_000_000)
	DefaultPerUserLimit = big.NewInt(10_000_000_000_000_000) // 0.01 ETH
)

// Quota is the full sponsorship state of one paymaster. All amounts are wei.
// A limit of zero disables sponsorship on that axis. PerUserSpent is a
// lifetime counter and is never reset by window rollover.
type Quota struct {
	DailySpent   *big.Int
	MonthlySpent *big.Int
	PerUserSpent map[common.Address]*big.Int

	DailyWindowStart   time.Time
	MonthlyWindowStart time.Time

	DailyLimit   *big.Int
	MonthlyLimit *big.Int
	PerUserLimit *big.Int

	WhitelistedContracts map[common.Address]bool
	WhitelistedUsers     map[common.Address]bool
	BlacklistedUsers     map[common.Address]bool
	WhitelistEnabled     bool
	Paused               bool
}

func NewQuota(now time.Time) *Quota {
	return &Quota{
		DailySpent:   big.NewInt(0),
		MonthlySpent: big.NewInt(0),
		PerUserSpent: make(map[common.Address]*big.Int),

		DailyWindowStart:   now,
		MonthlyWindowStart: now,

		DailyLimit:   new(big.Int).Set(DefaultDailyLimit),
		MonthlyLimit: new(big.Int).Set(DefaultMonthlyLimit),
		PerUserLimit: new(big.Int).Set(DefaultPerUserLimit),

		WhitelistedContracts: make(map[common.Address]bool),
		WhitelistedUsers:     make(map[common.Address]bool),
		BlacklistedUsers:     make(map[common.Address]bool),
	}
}

// rollover resets expired windows. The start advances by whole window
// multiples so the boundary stays aligned no matter how long the quota sat
// idle. Callers hold the engine lock; this runs at most once per call.
func (q *Quota) rollover(now time.Time) {
	if elapsed := now.Sub(q.DailyWindowStart); elapsed >= dailyWindow {
		steps := elapsed / dailyWindow
		q.DailyWindowStart = q.DailyWindowStart.Add(steps * dailyWindow)
		q.DailySpent = big.NewInt(0)
	}
	if elapsed := now.Sub(q.MonthlyWindowStart); elapsed >= monthlyWindow {
		steps := elapsed / monthlyWindow
		q.MonthlyWindowStart = q.MonthlyWindowStart.Add(steps * monthlyWindow)
		q.MonthlySpent = big.NewInt(0)
	}
}

func (q *Quota) userSpent(user common.Address) *big.Int {
	if spent, ok := q.PerUserSpent[user]; ok {
		return spent
	}
	return big.NewInt(0)
}
