package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/ridewire/internal/clock"
	"github.com/eldtechnologies/ridewire/internal/models"
	"github.com/eldtechnologies/ridewire/internal/protocol"
)

type published struct {
	channel string
	frame   protocol.Frame
}

type recPublisher struct {
	mu     sync.Mutex
	frames []published
	subs   map[string]map[string]bool
}

func newRecPublisher() *recPublisher {
	return &recPublisher{subs: make(map[string]map[string]bool)}
}

func (p *recPublisher) Publish(_ context.Context, channel string, frame protocol.Frame) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, published{channel, frame})
	return 1, nil
}

func (p *recPublisher) Subscribe(_ context.Context, identityID, channel string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subs[channel] == nil {
		p.subs[channel] = make(map[string]bool)
	}
	p.subs[channel][identityID] = true
	return nil
}

func (p *recPublisher) Unsubscribe(_ context.Context, identityID, channel string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs[channel], identityID)
	return nil
}

func (p *recPublisher) count(channel, event string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, f := range p.frames {
		if f.channel == channel && f.frame.Event == event {
			n++
		}
	}
	return n
}

func (p *recPublisher) subscribed(identityID, channel string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subs[channel][identityID]
}

type failingStore struct {
	*MemoryStore
	err error
}

func (s *failingStore) TransitionRequest(context.Context, string, models.Transition) (*models.DispatchRequest, error) {
	return nil, s.err
}

// flakyStore fails the next failures timeout updates.
type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) TransitionRequest(ctx context.Context, id string, t models.Transition) (*models.DispatchRequest, error) {
	s.mu.Lock()
	fail := t.To == models.StatusTimedOut && s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset")
	}
	return s.MemoryStore.TransitionRequest(ctx, id, t)
}

// acceptFirstStore lets another fulfiller accept just before a
// cancellation reaches storage.
type acceptFirstStore struct {
	*MemoryStore
	fulfillerID string
}

func (s *acceptFirstStore) TransitionRequest(ctx context.Context, id string, t models.Transition) (*models.DispatchRequest, error) {
	if t.To == models.StatusCancelled {
		if _, err := s.MemoryStore.TransitionRequest(ctx, id, models.Transition{
			To: models.StatusAccepted, From: []models.DispatchStatus{models.StatusPending}, FulfillerID: s.fulfillerID, At: t.At,
		}); err != nil {
			return nil, err
		}
	}
	return s.MemoryStore.TransitionRequest(ctx, id, t)
}

type staticPresence map[string]bool

func (p staticPresence) IsOnline(_ context.Context, id string) (bool, error) { return p[id], nil }

var (
	rider   = models.Identity{ID: "rider-1", Kind: models.KindRequester}
	driver1 = models.Identity{ID: "driver-1", Kind: models.KindFulfiller}
	driver2 = models.Identity{ID: "driver-2", Kind: models.KindFulfiller}
	epoch   = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
)

type fixture struct {
	coord *Coordinator
	store *MemoryStore
	pool  *MemoryPool
	pub   *recPublisher
	clk   *clock.FakeClock
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		store: NewMemoryStore(),
		pool:  NewMemoryPool(),
		pub:   newRecPublisher(),
		clk:   clock.Fake(epoch),
	}
	f.coord = New(f.store, f.pool, staticPresence{"driver-1": true, "driver-2": true}, f.pub, f.clk, zerolog.Nop(), opts)
	t.Cleanup(f.coord.Stop)
	return f
}

func (f *fixture) create(t *testing.T) *models.DispatchRequest {
	t.Helper()
	req, err := f.coord.Create(context.Background(), rider, protocol.RequestCreate{OriginDesc: "Terminal 4", DestDesc: "Midtown"})
	require.NoError(t, err)
	return req
}

func TestCreateBroadcastsAndArmsTimer(t *testing.T) {
	f := newFixture(t, Options{})
	req := f.create(t)

	assert.Equal(t, models.StatusPending, req.Status)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, 1, f.pub.count(protocol.RequestChannel(req.ID), protocol.EventRequestCreated))
	assert.Equal(t, 1, f.pub.count("kind:fulfiller", protocol.EventRequestNew))
	assert.True(t, f.pub.subscribed("rider-1", protocol.RequestChannel(req.ID)))
	assert.Equal(t, 1, f.coord.PendingTimers())
}

func TestCreateNarrowedToAvailable(t *testing.T) {
	f := newFixture(t, Options{NarrowToAvailable: true})
	require.NoError(t, f.coord.SetAvailability(context.Background(), driver1, true))

	f.create(t)
	assert.Equal(t, 0, f.pub.count("kind:fulfiller", protocol.EventRequestNew))
	assert.Equal(t, 1, f.pub.count("identity:driver-1", protocol.EventRequestNew))
	assert.Equal(t, 0, f.pub.count("identity:driver-2", protocol.EventRequestNew))
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	neg := -1.0

	tests := []struct {
		name string
		who  models.Identity
		in   protocol.RequestCreate
		code protocol.Code
	}{
		{"fulfiller cannot create", driver1, protocol.RequestCreate{OriginDesc: "a", DestDesc: "b"}, protocol.CodeUnauthorized},
		{"missing origin", rider, protocol.RequestCreate{DestDesc: "b"}, protocol.CodeValidation},
		{"blank destination", rider, protocol.RequestCreate{OriginDesc: "a", DestDesc: "  "}, protocol.CodeValidation},
		{"negative estimate", rider, protocol.RequestCreate{OriginDesc: "a", DestDesc: "b", Estimate: &neg}, protocol.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.coord.Create(ctx, tt.who, tt.in)
			require.Error(t, err)
			assert.Equal(t, tt.code, protocol.AsError(err).Code)
		})
	}
	assert.Equal(t, 0, f.coord.PendingTimers())
}

func TestAcceptRaceExampleScenario(t *testing.T) {
	f := newFixture(t, Options{})
	req := f.create(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, d := range []models.Identity{driver1, driver2} {
		wg.Add(1)
		go func(i int, d models.Identity) {
			defer wg.Done()
			_, results[i] = f.coord.Accept(ctx, d, req.ID)
		}(i, d)
	}
	wg.Wait()

	var winners, losers int
	for _, err := range results {
		if err == nil {
			winners++
			continue
		}
		assert.ErrorIs(t, err, protocol.ErrRequestUnavailable)
		pe := protocol.AsError(err)
		assert.Equal(t, protocol.CodeConflict, pe.Code)
		assert.Equal(t, protocol.ReasonRequestUnavailable, pe.Reason)
		losers++
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, losers)
	assert.Equal(t, 1, f.pub.count(protocol.RequestChannel(req.ID), protocol.EventRequestAccepted))
	assert.Equal(t, 0, f.coord.PendingTimers())
}

func TestAcceptExactlyOneWinnerProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("N concurrent accepts yield one winner", prop.ForAll(
		func(n int) bool {
			f := newFixture(t, Options{})
			req, err := f.coord.Create(context.Background(), rider, protocol.RequestCreate{OriginDesc: "a", DestDesc: "b"})
			if err != nil {
				return false
			}

			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				winners   []string
				conflicts int
			)
			start := make(chan struct{})
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					who := models.Identity{ID: fmt.Sprintf("driver-%d", i), Kind: models.KindFulfiller}
					_, err := f.coord.Accept(context.Background(), who, req.ID)
					mu.Lock()
					defer mu.Unlock()
					if err == nil {
						winners = append(winners, who.ID)
					} else if errors.Is(err, protocol.ErrRequestUnavailable) {
						conflicts++
					}
				}(i)
			}
			close(start)
			wg.Wait()

			stored, _ := f.store.GetRequest(context.Background(), req.ID)
			return len(winners) == 1 && conflicts == n-1 && stored.FulfillerID == winners[0]
		},
		gen.IntRange(2, 24),
	))

	properties.TestingRun(t)
}

func TestAcceptMarksUnavailableAndCompleteRestores(t *testing.T) {
	f := newFixture(t, Options{NarrowToAvailable: true})
	ctx := context.Background()
	require.NoError(t, f.coord.SetAvailability(ctx, driver1, true))
	req := f.create(t)

	_, err := f.coord.Accept(ctx, driver1, req.ID)
	require.NoError(t, err)
	ok, _ := f.pool.IsAvailable(ctx, "driver-1")
	assert.False(t, ok)
	assert.True(t, f.pub.subscribed("driver-1", protocol.RequestChannel(req.ID)))

	_, err = f.coord.Complete(ctx, driver1, req.ID)
	require.Error(t, err, "cannot complete before start")
	assert.Equal(t, protocol.CodeConflict, protocol.AsError(err).Code)

	started, err := f.coord.Start(ctx, driver1, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, started.Status)

	done, err := f.coord.Complete(ctx, driver1, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.NotNil(t, done.TerminalAt)

	ok, _ = f.pool.IsAvailable(ctx, "driver-1")
	assert.True(t, ok)
	assert.False(t, f.pub.subscribed("driver-1", protocol.RequestChannel(req.ID)))
	assert.False(t, f.pub.subscribed("rider-1", protocol.RequestChannel(req.ID)))
}

func TestAcceptRequiresAvailabilityWhenNarrowed(t *testing.T) {
	f := newFixture(t, Options{NarrowToAvailable: true})
	req := f.create(t)
	_, err := f.coord.Accept(context.Background(), driver2, req.ID)
	require.Error(t, err)
	assert.Equal(t, "not_available", protocol.AsError(err).Reason)
}

func TestOnlyAssigneeMayAdvance(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	req := f.create(t)
	_, err := f.coord.Accept(ctx, driver1, req.ID)
	require.NoError(t, err)

	_, err = f.coord.Start(ctx, driver2, req.ID)
	require.Error(t, err)
	assert.Equal(t, protocol.CodeUnauthorized, protocol.AsError(err).Code)

	_, err = f.coord.Start(ctx, rider, req.ID)
	require.Error(t, err)

	got, err := f.coord.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, got.Status)
}

func TestAcceptAuthorizationAndLookup(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.coord.Accept(ctx, rider, "x")
	assert.Equal(t, protocol.CodeUnauthorized, protocol.AsError(err).Code)

	_, err = f.coord.Accept(ctx, driver1, "missing")
	assert.Equal(t, protocol.CodeNotFound, protocol.AsError(err).Code)
}

func TestStorageFailureLeavesRequestPending(t *testing.T) {
	f := newFixture(t, Options{})
	req := f.create(t)

	broken := &failingStore{MemoryStore: f.store, err: errors.New("connection reset")}
	coord := New(broken, f.pool, nil, f.pub, f.clk, zerolog.Nop(), Options{})

	_, err := coord.Accept(context.Background(), driver1, req.ID)
	require.Error(t, err)
	pe := protocol.AsError(err)
	assert.Equal(t, protocol.CodeDispatch, pe.Code)
	assert.True(t, pe.Retryable)

	got, _ := f.store.GetRequest(context.Background(), req.ID)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestTimeoutFiresExactlyOnce(t *testing.T) {
	f := newFixture(t, Options{Timeout: 30 * time.Second})
	req := f.create(t)
	channel := protocol.RequestChannel(req.ID)

	f.clk.Advance(29 * time.Second)
	assert.Equal(t, 0, f.pub.count(channel, protocol.EventRequestTimeout))

	f.clk.Advance(time.Second)
	assert.Equal(t, 1, f.pub.count(channel, protocol.EventRequestTimeout))
	assert.Equal(t, 0, f.pub.count(channel, protocol.EventRequestCancelled))

	f.clk.Advance(5 * time.Minute)
	assert.Equal(t, 1, f.pub.count(channel, protocol.EventRequestTimeout))

	got, _ := f.store.GetRequest(context.Background(), req.ID)
	assert.Equal(t, models.StatusTimedOut, got.Status)
	assert.Equal(t, 0, f.coord.PendingTimers())
	assert.Equal(t, 0, f.clk.Pending())
}

func TestTimeoutRetriesAfterStorageFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	flaky := &flakyStore{MemoryStore: f.store, failures: 2}
	coord := New(flaky, f.pool, nil, f.pub, f.clk, zerolog.Nop(), Options{Timeout: 30 * time.Second})
	t.Cleanup(coord.Stop)

	req, err := coord.Create(ctx, rider, protocol.RequestCreate{OriginDesc: "Depot", DestDesc: "Harbour"})
	require.NoError(t, err)
	channel := protocol.RequestChannel(req.ID)

	f.clk.Advance(31 * time.Second)
	got, _ := f.store.GetRequest(ctx, req.ID)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, coord.PendingTimers())

	f.clk.Advance(time.Hour)
	got, _ = f.store.GetRequest(ctx, req.ID)
	assert.Equal(t, models.StatusTimedOut, got.Status)
	assert.Equal(t, 1, f.pub.count(channel, protocol.EventRequestTimeout))
	assert.Equal(t, 0, coord.PendingTimers())
}

func TestCancelAfterConcurrentAcceptSkipsTaken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	racing := &acceptFirstStore{MemoryStore: f.store, fulfillerID: "driver-9"}
	coord := New(racing, f.pool, nil, f.pub, f.clk, zerolog.Nop(), Options{Timeout: 30 * time.Second})
	t.Cleanup(coord.Stop)

	req, err := coord.Create(ctx, rider, protocol.RequestCreate{OriginDesc: "Depot", DestDesc: "Harbour"})
	require.NoError(t, err)

	got, err := coord.Cancel(ctx, rider, req.ID, "changed plans")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, "driver-9", got.FulfillerID)
	assert.Equal(t, 1, f.pub.count(protocol.RequestChannel(req.ID), protocol.EventRequestCancelled))
	assert.Equal(t, 0, f.pub.count("kind:fulfiller", protocol.EventRequestTaken))
}

func TestTimerCancelledByAccept(t *testing.T) {
	f := newFixture(t, Options{Timeout: 30 * time.Second})
	req := f.create(t)
	_, err := f.coord.Accept(context.Background(), driver1, req.ID)
	require.NoError(t, err)

	f.clk.Advance(time.Minute)
	assert.Equal(t, 0, f.pub.count(protocol.RequestChannel(req.ID), protocol.EventRequestTimeout))
	got, _ := f.store.GetRequest(context.Background(), req.ID)
	assert.Equal(t, models.StatusAccepted, got.Status)
}

func TestLateTimerIsNoOp(t *testing.T) {
	f := newFixture(t, Options{Timeout: 30 * time.Second})
	req := f.create(t)

	// The store moves on without the coordinator disarming the timer, as
	// when another instance accepts.
	_, err := f.store.TransitionRequest(context.Background(), req.ID, models.Transition{
		To: models.StatusAccepted, From: []models.DispatchStatus{models.StatusPending}, FulfillerID: "driver-9", At: epoch,
	})
	require.NoError(t, err)

	f.clk.Advance(31 * time.Second)
	assert.Equal(t, 0, f.pub.count(protocol.RequestChannel(req.ID), protocol.EventRequestTimeout))
	got, _ := f.store.GetRequest(context.Background(), req.ID)
	assert.Equal(t, models.StatusAccepted, got.Status)
}

func TestCancelRules(t *testing.T) {
	ctx := context.Background()

	t.Run("requester cancels pending", func(t *testing.T) {
		f := newFixture(t, Options{})
		req := f.create(t)
		got, err := f.coord.Cancel(ctx, rider, req.ID, "changed plans")
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, got.Status)
		assert.Equal(t, "rider-1", got.CancelledBy)
		assert.Equal(t, 1, f.pub.count(protocol.RequestChannel(req.ID), protocol.EventRequestCancelled))
		assert.Equal(t, 1, f.pub.count("kind:fulfiller", protocol.EventRequestTaken))
		assert.Equal(t, 0, f.coord.PendingTimers())
	})

	t.Run("stranger cannot cancel", func(t *testing.T) {
		f := newFixture(t, Options{})
		req := f.create(t)
		_, err := f.coord.Cancel(ctx, driver2, req.ID, "")
		assert.Equal(t, protocol.CodeUnauthorized, protocol.AsError(err).Code)
	})

	t.Run("assignee cancels active", func(t *testing.T) {
		f := newFixture(t, Options{})
		req := f.create(t)
		_, err := f.coord.Accept(ctx, driver1, req.ID)
		require.NoError(t, err)
		_, err = f.coord.Start(ctx, driver1, req.ID)
		require.NoError(t, err)
		got, err := f.coord.Cancel(ctx, driver1, req.ID, "vehicle issue")
		require.NoError(t, err)
		assert.Equal(t, "vehicle issue", got.Reason)
	})

	t.Run("terminal cannot be cancelled", func(t *testing.T) {
		f := newFixture(t, Options{})
		req := f.create(t)
		_, err := f.coord.Cancel(ctx, rider, req.ID, "")
		require.NoError(t, err)
		_, err = f.coord.Cancel(ctx, rider, req.ID, "")
		assert.Equal(t, protocol.CodeConflict, protocol.AsError(err).Code)
	})

	t.Run("operator cancels anything", func(t *testing.T) {
		f := newFixture(t, Options{})
		req := f.create(t)
		_, err := f.coord.Cancel(ctx, models.Identity{ID: "ops", Kind: models.KindOperator}, req.ID, "fraud")
		require.NoError(t, err)
	})
}

func TestHandleOfflineKeepsAcceptedRequest(t *testing.T) {
	f := newFixture(t, Options{NarrowToAvailable: true})
	ctx := context.Background()
	require.NoError(t, f.coord.SetAvailability(ctx, driver1, true))
	require.NoError(t, f.coord.SetAvailability(ctx, driver2, true))
	req := f.create(t)
	_, err := f.coord.Accept(ctx, driver1, req.ID)
	require.NoError(t, err)

	f.coord.HandleOffline(ctx, driver1)
	f.coord.HandleOffline(ctx, driver2)

	got, _ := f.store.GetRequest(ctx, req.ID)
	assert.Equal(t, models.StatusAccepted, got.Status)
	assert.Equal(t, "driver-1", got.FulfillerID)
	assert.Equal(t, 1, f.pub.count(protocol.RequestChannel(req.ID), protocol.EventParticipantOffline))

	ids, _ := f.pool.AvailableFulfillers(ctx)
	assert.Empty(t, ids)

	f.create(t)
	assert.Equal(t, 1, f.pub.count("identity:driver-2", protocol.EventRequestNew), "only the first broadcast reached driver-2")
}

func TestRunRestoresPendingTimers(t *testing.T) {
	f := newFixture(t, Options{Timeout: 30 * time.Second})
	req := f.create(t)
	f.coord.Stop()
	assert.Equal(t, 0, f.coord.PendingTimers())

	f.clk.Advance(10 * time.Second)
	restarted := New(f.store, f.pool, nil, f.pub, f.clk, zerolog.Nop(), Options{Timeout: 30 * time.Second})
	require.NoError(t, restarted.Run(context.Background()))
	assert.Equal(t, 1, restarted.PendingTimers())

	f.clk.Advance(20 * time.Second)
	got, _ := f.store.GetRequest(context.Background(), req.ID)
	assert.Equal(t, models.StatusTimedOut, got.Status)
}

func TestParticipants(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	req := f.create(t)

	ids, err := f.coord.Participants(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"rider-1"}, ids)

	_, err = f.coord.Accept(ctx, driver1, req.ID)
	require.NoError(t, err)
	ids, err = f.coord.Participants(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"rider-1", "driver-1"}, ids)

	active, err := f.coord.ActiveRequestsFor(ctx, "driver-1")
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestSetAvailabilityNotifiesOperators(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.coord.SetAvailability(ctx, driver1, true))
	require.NoError(t, f.coord.SetAvailability(ctx, driver1, false))
	assert.Equal(t, 2, f.pub.count("kind:operator", protocol.EventPresenceChanged))

	err := f.coord.SetAvailability(ctx, models.Identity{ID: "rider-1", Kind: models.KindRequester}, true)
	require.Error(t, err)
	assert.Equal(t, protocol.CodeUnauthorized, protocol.AsError(err).Code)
	assert.Equal(t, 2, f.pub.count("kind:operator", protocol.EventPresenceChanged))
}
