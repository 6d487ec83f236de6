package sponsorship

import (
	crand "crypto/rand"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/oklog/ulid/v2"
)

type EventKind string

const (
	EventSpendingLimitUpdated EventKind = "spending_limit_updated"
	EventContractWhitelisted  EventKind = "contract_whitelisted"
	EventUserWhitelisted      EventKind = "user_whitelisted"
	EventUserBlacklisted      EventKind = "user_blacklisted"
	EventWhitelistToggled     EventKind = "whitelist_toggled"
	EventPausedToggled        EventKind = "paused_toggled"
	EventSponsorshipCharged   EventKind = "sponsorship_charged"
)

// AuditEvent records one successful mutation of the quota state. The id is a
// ulid, so lexicographic key order in storage is creation order.
type AuditEvent struct {
	ID      string            `json:"id"`
	Kind    EventKind         `json:"kind"`
	At      time.Time         `json:"at"`
	Caller  common.Address    `json:"caller"`
	Details map[string]string `json:"details"`
}

// entropy is only read under the engine lock
var eventEntropy = ulid.Monotonic(crand.Reader, 0)

func newEventID(at time.Time) string {
	return ulid.MustNew(ulid.Timestamp(at), eventEntropy).String()
}
