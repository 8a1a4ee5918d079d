package proxy

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scrapemaster/monitor-engine/internal/monitor"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testEndpoints() []Endpoint {
	return []Endpoint{
		{URL: "http://proxy-1:8080"},
		{URL: "http://proxy-2:8080"},
		{URL: "http://proxy-3:8080"},
	}
}

func TestSelectRotatesAmongEqualHealth(t *testing.T) {
	t.Parallel()

	rot := NewRotator(testEndpoints(), Options{}, newFakeClock(), nil)

	seen := map[string]int{}
	for i := 0; i < 9; i++ {
		rec, err := rot.Select()
		require.NoError(t, err)
		require.NotNil(t, rec)
		seen[rec.Endpoint]++
	}
	require.Len(t, seen, 3)
	for ep, n := range seen {
		require.Equal(t, 3, n, "endpoint %s should share load evenly", ep)
	}
}

func TestSelectPrefersHealthierEndpoint(t *testing.T) {
	t.Parallel()

	rot := NewRotator(testEndpoints(), Options{FailureThreshold: 10}, newFakeClock(), nil)

	// Dock proxy-2 and proxy-3 so proxy-1 stands alone at the top.
	rot.Report("http://proxy-2:8080", monitor.OutcomeBlocked)
	rot.Report("http://proxy-3:8080", monitor.OutcomeTimeout)

	for i := 0; i < 5; i++ {
		rec, err := rot.Select()
		require.NoError(t, err)
		require.Equal(t, "http://proxy-1:8080", rec.Endpoint)
	}
}

func TestReportClientErrorKeepsHealthAndClearsStreak(t *testing.T) {
	t.Parallel()

	rot := NewRotator([]Endpoint{{URL: "http://proxy-1:8080"}}, Options{
		FailureThreshold: 3,
		InitialHealth:    50,
	}, newFakeClock(), nil)

	rot.Report("http://proxy-1:8080", monitor.OutcomeTimeout)
	rot.Report("http://proxy-1:8080", monitor.OutcomeTimeout)

	// The target answering 404 through this proxy proves the egress works;
	// the failure streak resets without touching the score.
	rot.Report("http://proxy-1:8080", monitor.OutcomeClient)
	rot.Report("http://proxy-1:8080", monitor.OutcomeTimeout)
	rot.Report("http://proxy-1:8080", monitor.OutcomeTimeout)

	recs := rot.Records()
	require.Len(t, recs, 1)
	require.Equal(t, 46, recs[0].Health, "four timeouts dock one point each, client errors none")
	require.True(t, recs[0].CooldownUntil.IsZero(), "streak was broken before the threshold")
}

func TestConsecutiveFailuresTriggerCooldown(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	rot := NewRotator([]Endpoint{{URL: "http://proxy-1:8080"}}, Options{
		FailureThreshold: 3,
		CooldownBase:     time.Minute,
		CooldownMax:      8 * time.Minute,
	}, clock, nil)

	for i := 0; i < 3; i++ {
		rot.Report("http://proxy-1:8080", monitor.OutcomeConnection)
	}

	_, err := rot.Select()
	require.ErrorIs(t, err, monitor.ErrNoCapacity)

	clock.Advance(61 * time.Second)
	rec, err := rot.Select()
	require.NoError(t, err)
	require.Equal(t, "http://proxy-1:8080", rec.Endpoint)
}

func TestCooldownDoublesAndIsBounded(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	rot := NewRotator([]Endpoint{{URL: "http://proxy-1:8080"}}, Options{
		FailureThreshold: 1,
		CooldownBase:     time.Minute,
		CooldownMax:      4 * time.Minute,
	}, clock, nil)

	bench := func(wantCooldown time.Duration) {
		t.Helper()
		rot.Report("http://proxy-1:8080", monitor.OutcomeConnection)
		_, err := rot.Select()
		require.ErrorIs(t, err, monitor.ErrNoCapacity)
		clock.Advance(wantCooldown - time.Second)
		_, err = rot.Select()
		require.ErrorIs(t, err, monitor.ErrNoCapacity, "should still be benched just before expiry")
		clock.Advance(2 * time.Second)
		_, err = rot.Select()
		require.NoError(t, err)
	}

	bench(time.Minute)
	bench(2 * time.Minute)
	bench(4 * time.Minute)
	// Bounded by the max from here on.
	bench(4 * time.Minute)
}

func TestSuccessResetsFailureStreakAndCooldownLadder(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	rot := NewRotator([]Endpoint{{URL: "http://proxy-1:8080"}}, Options{
		FailureThreshold: 2,
		CooldownBase:     time.Minute,
		CooldownMax:      time.Hour,
	}, clock, nil)

	rot.Report("http://proxy-1:8080", monitor.OutcomeTimeout)
	rot.Report("http://proxy-1:8080", monitor.OutcomeSuccess)
	rot.Report("http://proxy-1:8080", monitor.OutcomeTimeout)

	// One failure since the success; threshold not reached.
	rec, err := rot.Select()
	require.NoError(t, err)
	require.NotNil(t, rec)
}

func TestAllowDirectReturnsNilWhenExhausted(t *testing.T) {
	t.Parallel()

	rot := NewRotator([]Endpoint{{URL: "http://proxy-1:8080"}}, Options{
		FailureThreshold: 1,
		AllowDirect:      true,
	}, newFakeClock(), nil)

	rot.Report("http://proxy-1:8080", monitor.OutcomeBlocked)

	rec, err := rot.Select()
	require.NoError(t, err)
	require.Nil(t, rec, "direct fetch signalled by nil record")
}

func TestReplaceKeepsHealthForSurvivingEndpoints(t *testing.T) {
	t.Parallel()

	rot := NewRotator(testEndpoints(), Options{FailureThreshold: 10}, newFakeClock(), nil)
	rot.Report("http://proxy-1:8080", monitor.OutcomeSuccess)

	rot.Replace([]Endpoint{
		{URL: "http://proxy-1:8080", CredentialsRef: "vault/p1"},
		{URL: "http://proxy-9:8080"},
	})

	recs := rot.Records()
	require.Len(t, recs, 2)
	byEndpoint := map[string]monitor.ProxyRecord{}
	for _, r := range recs {
		byEndpoint[r.Endpoint] = r
	}
	require.Equal(t, 51, byEndpoint["http://proxy-1:8080"].Health, "survivor keeps earned health")
	require.Equal(t, "vault/p1", byEndpoint["http://proxy-1:8080"].CredentialsRef)
	require.Equal(t, 50, byEndpoint["http://proxy-9:8080"].Health, "newcomer starts at initial health")
}
