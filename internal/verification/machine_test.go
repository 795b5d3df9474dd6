package verification

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/locale"
)

const tenant = "t1"

func newMachine(t *testing.T, opts ...Option) *Machine {
	t.Helper()
	r := NewStaticResolver()
	r.Add(tenant, "ORD-001", Record{ID: "cust-alice", Name: "Alice Smith", Phone: "+90 532 111 22 33"})
	r.Add(tenant, "ORD-001-B", Record{ID: "cust-alice", Name: "Alice Smith"})
	r.Add(tenant, "ORD-002", Record{ID: "cust-bob", Name: "Bob Jones", Email: "bob@example.com"})
	r.Add(tenant, "SIP-7", Record{ID: "cust-ali", Name: "ALİ IŞIK"})
	return NewMachine(r, locale.MustLoad(), opts...)
}

func verify(t *testing.T, m *Machine, ref, name string) State {
	t.Helper()
	ctx := context.Background()
	res, err := m.Present(ctx, State{}, tenant, "en", ref)
	require.NoError(t, err)
	require.Equal(t, StatusPending, res.State.Status)
	res, err = m.Corroborate(ctx, res.State, tenant, "en", Fact{Kind: FactName, Value: name})
	require.NoError(t, err)
	require.Equal(t, StatusVerified, res.State.Status)
	return res.State
}

func TestPresent_StartsPendingWithPrompt(t *testing.T) {
	m := newMachine(t)
	res, err := m.Present(context.Background(), State{}, tenant, "en", "ord-001")
	require.NoError(t, err)

	assert.Equal(t, StatusPending, res.State.Status)
	assert.Equal(t, "cust-alice", res.State.RecordID)
	assert.Equal(t, "To verify, please provide the name on the order.", res.Prompt)
	assert.False(t, CanDisclose(res.State, "cust-alice"))
}

func TestIdentitySwitchRequiresReverification(t *testing.T) {
	m := newMachine(t)
	ctx := context.Background()

	st := verify(t, m, "ORD-001", "alice smith")
	require.True(t, CanDisclose(st, "cust-alice"))

	res, err := m.Present(ctx, st, tenant, "en", "ORD-002")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.State.Status, "switch must not stay VERIFIED")
	assert.Equal(t, "cust-bob", res.State.RecordID)
	assert.False(t, CanDisclose(res.State, "cust-bob"))
	assert.False(t, CanDisclose(res.State, "cust-alice"), "previous trust is dropped")
	assert.NotEmpty(t, res.Prompt)

	// the old identity's name does not verify the new record
	res, err = m.Corroborate(ctx, res.State, tenant, "en", Fact{Kind: FactName, Value: "Alice Smith"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.State.Status)
	assert.False(t, CanDisclose(res.State, "cust-bob"))
}

func TestPresent_SameRecordKeepsVerified(t *testing.T) {
	m := newMachine(t)
	st := verify(t, m, "ORD-001", "Alice Smith")

	res, err := m.Present(context.Background(), st, tenant, "en", "ORD-001-B")
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, res.State.Status, "another reference for the same record")
	assert.Empty(t, res.Prompt)
}

func TestCorroborate_FactKinds(t *testing.T) {
	tests := []struct {
		name string
		ref  string
		fact Fact
		want Status
	}{
		{"name with extra spaces", "ORD-001", Fact{FactName, "  alice   SMITH "}, StatusVerified},
		{"turkish casing", "SIP-7", Fact{FactName, "Ali Işık"}, StatusVerified},
		{"turkish dotted capital", "SIP-7", Fact{FactName, "ali ışık"}, StatusVerified},
		{"phone suffix", "ORD-001", Fact{FactPhoneSuffix, "22 33"}, StatusVerified},
		{"phone suffix too short", "ORD-001", Fact{FactPhoneSuffix, "33"}, StatusFailed},
		{"wrong phone suffix", "ORD-001", Fact{FactPhoneSuffix, "9999"}, StatusFailed},
		{"email", "ORD-002", Fact{FactEmail, "BOB@example.com"}, StatusVerified},
		{"fact the record lacks", "ORD-002", Fact{FactPhoneSuffix, "1234"}, StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMachine(t)
			ctx := context.Background()
			res, err := m.Present(ctx, State{}, tenant, "en", tt.ref)
			require.NoError(t, err)
			res, err = m.Corroborate(ctx, res.State, tenant, "en", tt.fact)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.State.Status)
		})
	}
}

func TestCorroborate_LocksAfterMaxAttempts(t *testing.T) {
	m := newMachine(t, WithMaxAttempts(2))
	ctx := context.Background()

	res, err := m.Present(ctx, State{}, tenant, "tr", "ORD-001")
	require.NoError(t, err)

	res, err = m.Corroborate(ctx, res.State, tenant, "tr", Fact{FactName, "Mallory"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.State.Status)
	assert.False(t, res.State.Locked)
	assert.Equal(t, "Bu bilgileri doğrulayamadım. Lütfen kontrol edip tekrar deneyin.", res.Prompt)

	res, err = m.Corroborate(ctx, res.State, tenant, "tr", Fact{FactName, "Eve"})
	require.NoError(t, err)
	assert.True(t, res.State.Locked)
	assert.Contains(t, res.Prompt, "destek ekibimizle")

	// locked: even the right answer no longer verifies
	res, err = m.Corroborate(ctx, res.State, tenant, "tr", Fact{FactName, "Alice Smith"})
	require.NoError(t, err)
	assert.NotEqual(t, StatusVerified, res.State.Status)
	assert.False(t, CanDisclose(res.State, "cust-alice"))

	assert.Equal(t, State{}, Reset(res.State))
}

func TestPresent_UnknownReferenceIsGenericFailure(t *testing.T) {
	m := newMachine(t)
	ctx := context.Background()
	st := verify(t, m, "ORD-001", "Alice Smith")

	res, err := m.Present(ctx, st, tenant, "en", "ORD-999")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.State.Status)
	assert.Empty(t, res.State.RecordID)
	assert.Equal(t, 1, res.State.Attempts)
	assert.False(t, CanDisclose(res.State, "cust-alice"))

	wrong, err := m.Present(ctx, State{}, tenant, "en", "ORD-001")
	require.NoError(t, err)
	mismatch, err := m.Corroborate(ctx, wrong.State, tenant, "en", Fact{FactName, "nobody"})
	require.NoError(t, err)
	assert.Equal(t, mismatch.Prompt, res.Prompt, "unknown reference and mismatch look the same")
}

type failingResolver struct{}

func (failingResolver) Resolve(context.Context, string, string) (Record, error) {
	return Record{}, errors.New("backend down")
}

func TestPresent_ResolverErrorKeepsState(t *testing.T) {
	m := NewMachine(failingResolver{}, locale.MustLoad())
	st := State{Status: StatusPending, RecordID: "x", Reference: "R"}

	res, err := m.Present(context.Background(), st, tenant, "en", "ORD-1")
	require.Error(t, err)
	assert.Equal(t, st, res.State)
}

func TestCorroborate_WithoutReferenceAsksForOne(t *testing.T) {
	m := newMachine(t)
	res, err := m.Corroborate(context.Background(), State{}, tenant, "de", Fact{FactName, "Alice"})
	require.NoError(t, err)
	assert.Equal(t, StatusUnverified, res.State.Current())
	assert.Equal(t, "Bitte nennen Sie mir Ihre Bestell- oder Ticketnummer.", res.Prompt)
}
