package sponsorship

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is returned by every admin operation when the caller is not
// the configured admin address. Nothing is mutated and no event is emitted.
var ErrUnauthorized = errors.New("caller is not the paymaster admin")

// Rule names the policy step that denied a sponsorship.
type Rule string

const (
	RulePaused       Rule = "paused"
	RuleBlacklisted  Rule = "blacklisted"
	RuleWhitelist    Rule = "whitelist"
	RuleDailyLimit   Rule = "daily_limit"
	RuleMonthlyLimit Rule = "monthly_limit"
	RulePerUserLimit Rule = "per_user_limit"
)

// Decision is the outcome of one policy evaluation. Rule is set only on
// denial and names the single step that short-circuited the chain; it never
// carries amounts, so a denial leaks no other user's spend.
type Decision struct {
	Allowed bool
	Rule    Rule
}

func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &QuotaDeniedError{Rule: d.Rule}
}

// QuotaDeniedError is the error form of a denial, for callers that thread
// decisions through error returns.
type QuotaDeniedError struct {
	Rule Rule
}

func (e *QuotaDeniedError) Error() string {
	return fmt.Sprintf("sponsorship denied by rule %q", e.Rule)
}
