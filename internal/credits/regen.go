// Package credits holds the pure credit regeneration rules shared by every
// ledger read and write path.
package credits

import (
	"time"

	"github.com/digkill/StoryForge/internal/models"
)

const (
	FreeCap                  = 150
	FreeRegenIntervalSeconds = 1800

	PremiumCap                  = 300
	PremiumRegenIntervalSeconds = 1200

	// MaxAmount is the hard ceiling for a single spend or grant.
	MaxAmount = 10000
)

type Tier struct {
	Premium              bool
	Cap                  int
	RegenIntervalSeconds int64
}

// TierAt returns the tier parameters in force at now. Premium applies while
// the flag is set and the expiry is absent or still in the future.
func TierAt(isPremium bool, premiumExpiresAt *time.Time, now time.Time) Tier {
	if isPremium && (premiumExpiresAt == nil || premiumExpiresAt.After(now)) {
		return Tier{Premium: true, Cap: PremiumCap, RegenIntervalSeconds: PremiumRegenIntervalSeconds}
	}
	return Tier{Cap: FreeCap, RegenIntervalSeconds: FreeRegenIntervalSeconds}
}

type State struct {
	Balance              int   `json:"balance"`
	Cap                  int   `json:"cap"`
	RegenIntervalSeconds int64 `json:"regen_interval_seconds"`
	TimeToNextCredit     int64 `json:"time_to_next_credit"`
	IsPremiumTier        bool  `json:"is_premium_tier"`
}

// Regenerate computes the effective balance at now from the stored balance and
// its regen anchor. A now earlier than the anchor counts as zero elapsed time.
func Regenerate(balance int, lastRegenAt, now time.Time, tier Tier) State {
	elapsedMillis := now.Sub(lastRegenAt).Milliseconds()
	if elapsedMillis < 0 {
		elapsedMillis = 0
	}
	elapsed := elapsedMillis / 1000

	creditsToAdd := elapsed / tier.RegenIntervalSeconds
	effective := int64(balance) + creditsToAdd
	if effective > int64(tier.Cap) {
		effective = int64(tier.Cap)
	}

	var next int64
	if effective < int64(tier.Cap) {
		next = tier.RegenIntervalSeconds - elapsed%tier.RegenIntervalSeconds
	}

	return State{
		Balance:              int(effective),
		Cap:                  tier.Cap,
		RegenIntervalSeconds: tier.RegenIntervalSeconds,
		TimeToNextCredit:     next,
		IsPremiumTier:        tier.Premium,
	}
}

// StateOf derives the read-only credit state of an account. A nil account is
// a user that has never spent or been granted credits: full free-tier balance.
func StateOf(acc *models.CreditAccount, now time.Time) State {
	if acc == nil {
		tier := TierAt(false, nil, now)
		return State{
			Balance:              tier.Cap,
			Cap:                  tier.Cap,
			RegenIntervalSeconds: tier.RegenIntervalSeconds,
			IsPremiumTier:        false,
		}
	}
	tier := TierAt(acc.IsPremiumTier, acc.PremiumExpiresAt, now)
	return Regenerate(acc.Balance, acc.LastRegenAt, now, tier)
}

// ValidAmount rejects non-positive amounts and amounts above MaxAmount.
func ValidAmount(amount int) bool {
	return amount > 0 && amount <= MaxAmount
}
