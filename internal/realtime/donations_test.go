package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"donation-sync/internal/events"
	"donation-sync/internal/logging"
	"donation-sync/internal/mocks"
	"donation-sync/internal/models"
)

func newHydratedSet(t *testing.T, snapshot []models.Donation, clock *fakeClock) (*LiveDonationSet, *FreshnessTracker) {
	t.Helper()
	repo := new(mocks.DonationRepositoryMock)
	repo.On("ListAvailable", mock.Anything, DefaultDonationLimit).Return(snapshot, nil).Once()
	fresh := NewFreshnessTracker(2*time.Second, clock.Now)
	set := NewLiveDonationSet(repo, nil, fresh, 0, logging.Discard())
	_, err := set.Hydrate(context.Background())
	require.NoError(t, err)
	return set, fresh
}

func TestDonationsHydrateKeepsAvailableLocated(t *testing.T) {
	set, _ := newHydratedSet(t, []models.Donation{
		donation("old", models.StatusAvailable, 0, true),
		donation("new", models.StatusAvailable, 5, true),
		donation("nocoords", models.StatusAvailable, 3, false),
		donation("taken", "reserved", 4, true),
	}, newFakeClock())
	defer set.Close()

	assert.Equal(t, []string{"new", "old"}, donationIDs(set.Records()))
	assert.False(t, set.Loading())
	assert.False(t, set.IsFresh("new"))
}

func TestDonationsReservedLeavesAndInsertIsFresh(t *testing.T) {
	clock := newFakeClock()
	set, _ := newHydratedSet(t, []models.Donation{donation("1", models.StatusAvailable, 0, true)}, clock)
	defer set.Close()

	reserved := donation("1", "reserved", 0, true)
	set.HandleChange(change(t, events.KindUpdate, "donations", "1", reserved))
	assert.False(t, set.Contains("1"))

	set.HandleChange(change(t, events.KindInsert, "donations", "2", donation("2", models.StatusAvailable, 1, true)))
	assert.True(t, set.Contains("2"))
	assert.True(t, set.IsFresh("2"))

	clock.Advance(2 * time.Second)
	assert.False(t, set.IsFresh("2"))
	assert.True(t, set.Contains("2"))
}

func TestDonationsUpdateCanAddWithoutHighlight(t *testing.T) {
	set, _ := newHydratedSet(t, nil, newFakeClock())
	defer set.Close()

	set.ApplyUpdate(donation("9", models.StatusAvailable, 0, true))

	assert.True(t, set.Contains("9"))
	assert.False(t, set.IsFresh("9"))
}

func TestDonationsInsertOfUnlistableIsIgnored(t *testing.T) {
	set, fresh := newHydratedSet(t, nil, newFakeClock())
	defer set.Close()

	notified := 0
	set.OnChange(func([]models.Donation) { notified++ })

	set.ApplyInsert(donation("a", "given", 0, true))
	set.ApplyInsert(donation("b", models.StatusAvailable, 0, false))

	assert.Empty(t, set.Records())
	assert.Zero(t, fresh.Len())
	assert.Zero(t, notified)
}

func TestDonationsDuplicateInsertDoesNotRestartHighlight(t *testing.T) {
	clock := newFakeClock()
	set, _ := newHydratedSet(t, nil, clock)
	defer set.Close()

	d := donation("2", models.StatusAvailable, 0, true)
	set.ApplyInsert(d)
	clock.Advance(1500 * time.Millisecond)
	set.ApplyInsert(d)
	clock.Advance(time.Second)

	assert.True(t, set.Contains("2"))
	assert.False(t, set.IsFresh("2"))
}

func TestDonationsDelete(t *testing.T) {
	set, _ := newHydratedSet(t, []models.Donation{
		donation("1", models.StatusAvailable, 0, true),
		donation("2", models.StatusAvailable, 1, true),
	}, newFakeClock())
	defer set.Close()

	set.HandleChange(change(t, events.KindDelete, "donations", "1", nil))
	set.ApplyDelete("unknown")

	assert.Equal(t, []string{"2"}, donationIDs(set.Records()))
}

func TestDonationsDependOnlyOnLatestState(t *testing.T) {
	available := donation("7", models.StatusAvailable, 0, true)
	reserved := donation("7", "reserved", 0, true)

	cases := []struct {
		name   string
		apply  func(*LiveDonationSet)
		expect bool
	}{
		{"insert then reserve", func(s *LiveDonationSet) { s.ApplyInsert(available); s.ApplyUpdate(reserved) }, false},
		{"reserve then reopen", func(s *LiveDonationSet) { s.ApplyUpdate(reserved); s.ApplyUpdate(available) }, true},
		{"repeated updates", func(s *LiveDonationSet) { s.ApplyUpdate(available); s.ApplyUpdate(available) }, true},
		{"insert then delete", func(s *LiveDonationSet) { s.ApplyInsert(available); s.ApplyDelete("7") }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			set, _ := newHydratedSet(t, nil, newFakeClock())
			defer set.Close()
			tc.apply(set)
			assert.Equal(t, tc.expect, set.Contains("7"))
		})
	}
}

func TestDonationsBufferDuringHydrate(t *testing.T) {
	repo := new(mocks.DonationRepositoryMock)
	fresh := NewFreshnessTracker(time.Second, newFakeClock().Now)
	set := NewLiveDonationSet(repo, nil, fresh, 10, logging.Discard())
	defer set.Close()

	repo.On("ListAvailable", mock.Anything, 10).Run(func(mock.Arguments) {
		set.HandleChange(change(t, events.KindUpdate, "donations", "1", donation("1", "reserved", 0, true)))
		set.HandleChange(change(t, events.KindInsert, "donations", "3", donation("3", models.StatusAvailable, 2, true)))
	}).Return([]models.Donation{
		donation("1", models.StatusAvailable, 0, true),
		donation("2", models.StatusAvailable, 1, true),
	}, nil)

	got, err := set.Hydrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "2"}, donationIDs(got))
	assert.True(t, set.IsFresh("3"))
}

func TestDonationsHydrateFailure(t *testing.T) {
	repo := new(mocks.DonationRepositoryMock)
	repo.On("ListAvailable", mock.Anything, DefaultDonationLimit).Return(nil, errors.New("too many connections"))
	set := NewLiveDonationSet(repo, nil, nil, 0, logging.Discard())
	defer set.Close()

	_, err := set.Hydrate(context.Background())
	assert.ErrorIs(t, err, ErrHydration)
	assert.True(t, set.Loading())
	assert.Empty(t, set.Records())
	assert.False(t, set.IsFresh("anything"))
}

func TestDonationsOpenFollowsBus(t *testing.T) {
	tr := newChanTransport()
	bus := newTestBus(tr)
	defer bus.Close()

	repo := new(mocks.DonationRepositoryMock)
	repo.On("ListAvailable", mock.Anything, DefaultDonationLimit).Return([]models.Donation{
		donation("1", models.StatusAvailable, 0, true),
	}, nil)

	clock := newFakeClock()
	set := NewLiveDonationSet(repo, bus, NewFreshnessTracker(2*time.Second, clock.Now), 0, logging.Discard())
	updates := make(chan []models.Donation, 8)
	set.OnChange(func(ds []models.Donation) { updates <- ds })

	require.NoError(t, set.Open(context.Background()))
	assert.Equal(t, []string{"1"}, donationIDs(waitFor(t, updates)))

	tr.push(models.DonationPartition, change(t, events.KindInsert, "donations", "2", donation("2", models.StatusAvailable, 1, true)))
	assert.Equal(t, []string{"2", "1"}, donationIDs(waitFor(t, updates)))

	live := set.Live()
	require.Len(t, live, 2)
	assert.True(t, live[0].Fresh)
	assert.False(t, live[1].Fresh)

	set.Close()
	assert.Empty(t, bus.ActivePartitions())
}

func TestDonationsCloseCancelsRunningResync(t *testing.T) {
	repo := new(mocks.DonationRepositoryMock)
	set := NewLiveDonationSet(repo, nil, nil, 0, logging.Discard())
	repo.On("ListAvailable", mock.Anything, DefaultDonationLimit).Return([]models.Donation{
		donation("1", models.StatusAvailable, 0, true),
	}, nil).Once()
	_, err := set.Hydrate(context.Background())
	require.NoError(t, err)

	started := make(chan struct{})
	repo.On("ListAvailable", mock.Anything, DefaultDonationLimit).Run(func(args mock.Arguments) {
		close(started)
		<-args.Get(0).(context.Context).Done()
	}).Return(nil, context.Canceled).Once()

	set.Resync()
	<-started

	closed := make(chan struct{})
	go func() {
		set.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close waited for the resync snapshot query")
	}
}

func TestDonationsInsertFoldedIntoResyncSnapshotIsFresh(t *testing.T) {
	repo := new(mocks.DonationRepositoryMock)
	fresh := NewFreshnessTracker(2*time.Second, newFakeClock().Now)
	set := NewLiveDonationSet(repo, nil, fresh, 0, logging.Discard())
	defer set.Close()

	repo.On("ListAvailable", mock.Anything, DefaultDonationLimit).Return([]models.Donation{
		donation("1", models.StatusAvailable, 0, true),
	}, nil).Once()
	_, err := set.Hydrate(context.Background())
	require.NoError(t, err)

	repo.On("ListAvailable", mock.Anything, DefaultDonationLimit).Run(func(mock.Arguments) {
		set.HandleChange(change(t, events.KindInsert, "donations", "5", donation("5", models.StatusAvailable, 5, true)))
		set.HandleChange(change(t, events.KindInsert, "donations", "1", donation("1", models.StatusAvailable, 0, true)))
	}).Return([]models.Donation{
		donation("1", models.StatusAvailable, 0, true),
		donation("5", models.StatusAvailable, 5, true),
	}, nil).Once()

	got, err := set.Hydrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"5", "1"}, donationIDs(got))
	assert.Equal(t, 2, set.Len())
	assert.True(t, set.IsFresh("5"))
	assert.False(t, set.IsFresh("1"))
}
