package ai

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/fairyhunter13/llm-chat-gateway/internal/adapter/store"
	"github.com/fairyhunter13/llm-chat-gateway/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error) { return nil, errors.New("down") }
func (failingStore) Set(context.Context, string, []byte) error   { return errors.New("down") }

func newTestPool(kv domain.KVStore) (*CredentialPool, *fakeClock) {
	clock := newFakeClock()
	p := NewCredentialPool(kv, DefaultCooldownPolicy())
	p.now = clock.Now
	return p, clock
}

func TestCooldownPolicy_For(t *testing.T) {
	c := DefaultCooldownPolicy()
	tests := []struct {
		class      domain.ErrorClass
		retryAfter time.Duration
		want       time.Duration
	}{
		{domain.ClassRateLimit, 0, 60 * time.Second},
		{domain.ClassRateLimit, 20 * time.Second, 20 * time.Second},
		{domain.ClassRateLimit, time.Hour, 5 * time.Minute},
		{domain.ClassServer, 0, 3 * time.Minute},
		{domain.ClassNetwork, 0, 3 * time.Minute},
		{domain.ClassUnauthorized, 0, 30 * time.Minute},
		{domain.ClassClient, 0, 0},
		{domain.ClassAborted, 0, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			assert.Equal(t, tt.want, c.For(tt.class, tt.retryAfter))
		})
	}
}

func TestKeySuffix(t *testing.T) {
	assert.Equal(t, "wxyz", KeySuffix("sk-or-v1-abcdwxyz"))
	assert.Equal(t, "abc", KeySuffix("abc"))
	assert.Equal(t, "", KeySuffix(""))
}

func TestCredentialPool_ListUsableSkipsCoolingKeys(t *testing.T) {
	ctx := context.Background()
	p, clock := newTestPool(store.NewMemory())
	keys := []string{"key-aaaa", "key-bbbb", "key-cccc"}

	p.RecordOutcome(ctx, "key-bbbb", false, domain.ClassUnauthorized, 0)
	assert.Equal(t, []string{"key-aaaa", "key-cccc"}, p.ListUsable(ctx, keys))

	clock.Advance(31 * time.Minute)
	assert.Equal(t, keys, p.ListUsable(ctx, keys))
}

func TestCredentialPool_ClientErrorsDoNotCoolDown(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(nil)
	p.RecordOutcome(ctx, "key-aaaa", false, domain.ClassClient, 0)
	assert.Equal(t, []string{"key-aaaa"}, p.ListUsable(ctx, []string{"key-aaaa"}))
}

func TestCredentialPool_CooldownMonotonic(t *testing.T) {
	ctx := context.Background()
	p, clock := newTestPool(nil)
	keys := []string{"key-aaaa"}

	p.RecordOutcome(ctx, "key-aaaa", false, domain.ClassUnauthorized, 0)
	// a shorter cooldown never shortens an active one
	p.RecordOutcome(ctx, "key-aaaa", false, domain.ClassRateLimit, 10*time.Second)
	clock.Advance(5 * time.Minute)
	assert.Empty(t, p.ListUsable(ctx, keys))
}

func TestCredentialPool_SuccessSetsPreferredAndClearsCooldown(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(nil)
	keys := []string{"key-aaaa", "key-bbbb", "key-cccc"}

	assert.Equal(t, 0, p.PreferredStartIndex(ctx, keys))
	p.RecordOutcome(ctx, "key-cccc", false, domain.ClassServer, 0)
	p.RecordOutcome(ctx, "key-cccc", true, "", 0)

	assert.Equal(t, 2, p.PreferredStartIndex(ctx, keys))
	assert.Equal(t, []string{"key-cccc", "key-aaaa", "key-bbbb"}, p.Rotation(ctx, keys))
	assert.Equal(t, keys, p.ListUsable(ctx, keys))
}

func TestCredentialPool_RotationWhenPreferredCooling(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(nil)
	keys := []string{"key-aaaa", "key-bbbb", "key-cccc"}

	p.RecordOutcome(ctx, "key-bbbb", true, "", 0)
	p.RecordOutcome(ctx, "key-bbbb", false, domain.ClassRateLimit, 0)
	assert.Equal(t, []string{"key-aaaa", "key-cccc"}, p.Rotation(ctx, keys))
	assert.Empty(t, p.Rotation(ctx, nil))
}

func TestCredentialPool_PersistsAndReloads(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	p, clock := newTestPool(kv)
	keys := []string{"key-aaaa", "key-bbbb"}

	p.RecordOutcome(ctx, "key-aaaa", false, domain.ClassUnauthorized, 0)
	p.RecordOutcome(ctx, "key-bbbb", true, "", 0)

	raw, err := kv.Get(ctx, DefaultCredentialStateKey)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "key-aaaa")
	var st poolState
	require.NoError(t, json.Unmarshal(raw, &st))
	assert.Len(t, st.Keys, 2)

	reloaded := NewCredentialPool(kv, DefaultCooldownPolicy())
	reloaded.now = clock.Now
	assert.Equal(t, []string{"key-bbbb"}, reloaded.ListUsable(ctx, keys))
	assert.Equal(t, 1, reloaded.PreferredStartIndex(ctx, keys))
}

func TestCredentialPool_StoreFailuresDegradeToMemory(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(failingStore{})
	keys := []string{"key-aaaa", "key-bbbb"}

	assert.Equal(t, keys, p.ListUsable(ctx, keys))
	p.RecordOutcome(ctx, "key-aaaa", false, domain.ClassServer, 0)
	assert.Equal(t, []string{"key-bbbb"}, p.ListUsable(ctx, keys))
}

func TestCredentialPool_CorruptStateIgnored(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	require.NoError(t, kv.Set(ctx, DefaultCredentialStateKey, []byte("{not json")))
	p, _ := newTestPool(kv)
	assert.Equal(t, []string{"k1"}, p.ListUsable(ctx, []string{"k1"}))
}

func TestCredentialPool_Snapshot(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(nil)
	keys := []string{"key-aaaa", "key-bbbb"}
	p.RecordOutcome(ctx, "key-aaaa", true, "", 0)
	p.RecordOutcome(ctx, "key-bbbb", false, domain.ClassRateLimit, 30*time.Second)

	snap := p.Snapshot(ctx, keys)
	require.Len(t, snap, 2)
	assert.Equal(t, "aaaa", snap[0].KeySuffix)
	assert.True(t, snap[0].Preferred)
	assert.Equal(t, 1, snap[0].SuccessCount)
	assert.False(t, snap[0].CoolingDown)

	assert.Equal(t, "bbbb", snap[1].KeySuffix)
	assert.True(t, snap[1].CoolingDown)
	assert.Equal(t, int64(30000), snap[1].CooldownRemainingMS)
	assert.Equal(t, domain.ClassRateLimit, snap[1].LastClass)
}
