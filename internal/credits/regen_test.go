package credits

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/digkill/StoryForge/internal/models"
)

var anchor = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRegenerateAddsWholeIntervals(t *testing.T) {
	tier := TierAt(false, nil, anchor)

	got := Regenerate(100, anchor, anchor.Add(5400*time.Second), tier)

	assert.Equal(t, 103, got.Balance)
	assert.Equal(t, 150, got.Cap)
	assert.Equal(t, int64(1800), got.TimeToNextCredit)
}

func TestRegenerateTimeToNextCredit(t *testing.T) {
	tier := TierAt(false, nil, anchor)

	got := Regenerate(10, anchor, anchor.Add(1900*time.Second+999*time.Millisecond), tier)

	assert.Equal(t, 11, got.Balance)
	assert.Equal(t, int64(1700), got.TimeToNextCredit)
}

func TestRegenerateIsCappedAndMonotonic(t *testing.T) {
	tier := TierAt(false, nil, anchor)

	prev := -1
	for elapsed := int64(0); elapsed <= 200*1800; elapsed += 450 {
		got := Regenerate(120, anchor, anchor.Add(time.Duration(elapsed)*time.Second), tier)
		assert.GreaterOrEqual(t, got.Balance, prev, "elapsed=%d", elapsed)
		assert.LessOrEqual(t, got.Balance, got.Cap, "elapsed=%d", elapsed)
		prev = got.Balance
	}
	assert.Equal(t, 150, prev)
}

func TestRegenerateAtCapHasNoCountdown(t *testing.T) {
	tier := TierAt(false, nil, anchor)

	got := Regenerate(150, anchor, anchor.Add(10*time.Second), tier)

	assert.Equal(t, 150, got.Balance)
	assert.Zero(t, got.TimeToNextCredit)
}

func TestRegenerateClockSkew(t *testing.T) {
	tier := TierAt(false, nil, anchor)

	got := Regenerate(40, anchor, anchor.Add(-time.Hour), tier)

	assert.Equal(t, 40, got.Balance)
	assert.Equal(t, int64(1800), got.TimeToNextCredit)
}

func TestTierAt(t *testing.T) {
	future := anchor.Add(24 * time.Hour)
	past := anchor.Add(-time.Second)

	tests := []struct {
		name     string
		premium  bool
		expires  *time.Time
		wantCap  int
		interval int64
	}{
		{name: "free", premium: false, wantCap: 150, interval: 1800},
		{name: "premium without expiry", premium: true, wantCap: 300, interval: 1200},
		{name: "premium active", premium: true, expires: &future, wantCap: 300, interval: 1200},
		{name: "premium expired", premium: true, expires: &past, wantCap: 150, interval: 1800},
		{name: "expiry without flag", premium: false, expires: &future, wantCap: 150, interval: 1800},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tier := TierAt(tt.premium, tt.expires, anchor)
			assert.Equal(t, tt.wantCap, tier.Cap)
			assert.Equal(t, tt.interval, tier.RegenIntervalSeconds)
		})
	}
}

func TestStateOfMissingAccount(t *testing.T) {
	got := StateOf(nil, anchor)

	assert.Equal(t, FreeCap, got.Balance)
	assert.False(t, got.IsPremiumTier)
	assert.Zero(t, got.TimeToNextCredit)
}

func TestStateOfPremiumAccount(t *testing.T) {
	acc := &models.CreditAccount{Balance: 290, LastRegenAt: anchor, IsPremiumTier: true}

	got := StateOf(acc, anchor.Add(2400*time.Second))

	assert.Equal(t, 292, got.Balance)
	assert.True(t, got.IsPremiumTier)
}

func TestValidAmount(t *testing.T) {
	assert.False(t, ValidAmount(0))
	assert.False(t, ValidAmount(-3))
	assert.False(t, ValidAmount(MaxAmount+1))
	assert.True(t, ValidAmount(1))
	assert.True(t, ValidAmount(MaxAmount))
}
