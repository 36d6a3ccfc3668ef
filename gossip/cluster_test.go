package gossip

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally/v4"

	"github.com/adamgarcia4/goLearning/gms/failuredetector"
	"github.com/adamgarcia4/goLearning/gms/transport"
)

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) record(ep Endpoint, kind ChangeKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{ep, kind})
}

func (r *recorder) kinds(ep Endpoint) []ChangeKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ChangeKind
	for _, ev := range r.events {
		if ev.ep == ep {
			out = append(out, ev.kind)
		}
	}
	return out
}

type member struct {
	g   *Gossiper
	tr  *transport.Local
	rec *recorder
}

type cluster struct {
	t     *testing.T
	net   *transport.Network
	clock *fakeClock
	seq   int64
}

func newCluster(t *testing.T) *cluster {
	return &cluster{t: t, net: transport.NewNetwork(), clock: newFakeClock()}
}

// add attaches a member to the network; its gossiper is not started.
func (c *cluster) add(addr Endpoint, tweak func(*Config)) *member {
	c.t.Helper()
	tr := c.net.NewLocal(string(addr), true)
	require.NoError(c.t, tr.Start())

	c.seq++
	cfg := Config{
		ClusterID:       "test",
		Self:            addr,
		Generation:      100,
		Manual:          true,
		ExchangeTimeout: time.Second,
		InitialStates:   map[AppStateKey]string{AppStatus: StatusNormal},
		Clock:           c.clock,
		Rand:            rand.New(rand.NewSource(c.seq)),
		Log:             quietLogger(),
	}
	if tweak != nil {
		tweak(&cfg)
	}
	fd := failuredetector.New(failuredetector.Config{Self: string(addr), InitialInterval: 2 * time.Second, Log: quietLogger()})
	g, err := New(cfg, tr, fd)
	require.NoError(c.t, err)

	m := &member{g: g, tr: tr, rec: &recorder{}}
	g.Subscribe(m.rec.record)
	c.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if g.State() == Running {
			_ = g.Stop(ctx)
		}
		_ = tr.Shutdown(ctx)
	})
	return m
}

func seeds(eps ...Endpoint) func(*Config) {
	return func(cfg *Config) { cfg.Seeds = eps }
}

func start(t *testing.T, members ...*member) {
	t.Helper()
	for _, m := range members {
		require.NoError(t, m.g.Start(context.Background()))
	}
}

// cycle runs one round on every member, then advances the clock by a second.
func (c *cluster) cycle(members ...*member) {
	c.t.Helper()
	for _, m := range members {
		require.NoError(c.t, m.g.Round(context.Background()))
	}
	c.clock.Advance(time.Second)
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestRestartedEndpointIsReset(t *testing.T) {
	c := newCluster(t)
	a := c.add("a:7000", seeds("b:7000"))
	b := c.add("b:7000", func(cfg *Config) {
		cfg.Seeds = []Endpoint{"a:7000"}
		cfg.InitialStates = map[AppStateKey]string{AppStatus: StatusNormal, AppSchema: "s1"}
	})
	start(t, b, a)

	old, ok := a.g.EndpointState("b:7000")
	require.True(t, ok)
	require.Equal(t, int64(100), old.Heartbeat.Generation)
	require.Contains(t, old.AppStates, AppSchema)

	// B goes away and comes back on the same address with generation 101
	ctx := context.Background()
	require.NoError(t, b.g.Stop(ctx))
	require.NoError(t, b.tr.Shutdown(ctx))
	c.clock.Advance(time.Second)
	b2 := c.add("b:7000", func(cfg *Config) {
		cfg.Seeds = []Endpoint{"a:7000"}
		cfg.Generation = 101
	})
	start(t, b2)

	st, ok := a.g.EndpointState("b:7000")
	require.True(t, ok)
	assert.Equal(t, int64(101), st.Heartbeat.Generation)
	assert.Equal(t, StatusNormal, st.Status())
	assert.NotContains(t, st.AppStates, AppSchema)
	assert.True(t, st.Alive)
	assert.Equal(t, []Endpoint{"b:7000"}, a.g.LiveEndpoints())

	eventually(t, func() bool {
		return assert.ObjectsAreEqual([]ChangeKind{Join, Alive, Change, Dead, Restart, Alive}, a.rec.kinds("b:7000"))
	}, "restart notifications")
}

func TestSilentEndpointIsConvicted(t *testing.T) {
	c := newCluster(t)
	a := c.add("a:7000", seeds("b:7000"))
	b := c.add("b:7000", seeds("a:7000"))
	start(t, b, a)
	for i := 0; i < 5; i++ {
		c.cycle(a, b)
	}
	eventually(t, func() bool { return len(a.rec.kinds("b:7000")) == 2 }, "join and alive")
	require.Equal(t, []ChangeKind{Join, Alive}, a.rec.kinds("b:7000"))

	// B stops heartbeating as far as A can tell
	c.net.Isolate("b:7000")
	c.clock.Advance(10 * time.Second)
	require.NoError(t, a.g.Round(context.Background()))
	assert.Equal(t, []Endpoint{"b:7000"}, a.g.LiveEndpoints(), "phi is still below the threshold")

	c.clock.Advance(50 * time.Second)
	require.NoError(t, a.g.Round(context.Background()))
	assert.Empty(t, a.g.LiveEndpoints())
	assert.Equal(t, []Endpoint{"b:7000"}, a.g.UnreachableEndpoints())

	eventually(t, func() bool { return len(a.rec.kinds("b:7000")) == 3 }, "down notification")
	assert.Equal(t, []ChangeKind{Join, Alive, Dead}, a.rec.kinds("b:7000"))

	// heartbeats again: UP
	c.net.HealAll()
	c.clock.Advance(time.Second)
	require.NoError(t, b.g.Round(context.Background()))
	assert.Equal(t, []Endpoint{"b:7000"}, a.g.LiveEndpoints())
	eventually(t, func() bool { return len(a.rec.kinds("b:7000")) == 4 }, "up notification")
	assert.Equal(t, Alive, a.rec.kinds("b:7000")[3])
}

func TestFreshNodeLearnsFromSeed(t *testing.T) {
	c := newCluster(t)
	a := c.add("a:7000", nil)
	b := c.add("b:7000", seeds("a:7000"))
	d := c.add("d:7000", func(cfg *Config) {
		cfg.Seeds = []Endpoint{"a:7000"}
		cfg.Generation = 90
		cfg.InitialStates = map[AppStateKey]string{AppStatus: StatusNormal, AppDC: "dc2"}
	})
	start(t, a, b, d)
	for i := 0; i < 3; i++ {
		c.cycle(a, b, d)
	}

	fresh := c.add("c:7000", seeds("a:7000"))
	known := a.g.View()
	start(t, fresh)

	got := fresh.g.View()
	for ep, want := range known.Endpoints {
		st, ok := got.Endpoints[ep]
		require.True(t, ok, "missing %s", ep)
		assert.Equal(t, want.Heartbeat, st.Heartbeat, ep)
		assert.Equal(t, want.AppStates, st.AppStates, ep)
	}
	assert.ElementsMatch(t, []Endpoint{"a:7000", "b:7000", "d:7000"}, fresh.g.LiveEndpoints())

	// and the seed learnt about the fresh node through the ACK2
	_, ok := a.g.EndpointState("c:7000")
	assert.True(t, ok)
}

func TestClusterConverges(t *testing.T) {
	c := newCluster(t)
	var members []*member
	for i := 1; i <= 5; i++ {
		members = append(members, c.add(Endpoint(fmt.Sprintf("n%d:7000", i)), seeds("n1:7000")))
	}
	start(t, members...)

	everyoneSees := func(check func(v *View) bool) bool {
		for _, m := range members {
			if !check(m.g.View()) {
				return false
			}
		}
		return true
	}
	allLive := func(v *View) bool { return len(v.Endpoints) == 5 && len(v.Live) == 4 }
	for i := 0; i < 20 && !everyoneSees(allLive); i++ {
		c.cycle(members...)
	}
	require.True(t, everyoneSees(allLive))

	require.NoError(t, members[2].g.UpdateLocalApplicationState(context.Background(), AppSchema, "v2"))
	schema := func(v *View) bool {
		val, ok := v.Endpoints["n3:7000"].Value(AppSchema)
		return ok && val == "v2"
	}
	for i := 0; i < 20 && !everyoneSees(schema); i++ {
		c.cycle(members...)
	}
	require.True(t, everyoneSees(schema))

	eventually(t, func() bool {
		kinds := members[0].rec.kinds("n3:7000")
		return len(kinds) > 0 && kinds[len(kinds)-1] == Change
	}, "change notification")
}

func TestShutdownIsAnnounced(t *testing.T) {
	c := newCluster(t)
	a := c.add("a:7000", seeds("b:7000"))
	b := c.add("b:7000", seeds("a:7000"))
	start(t, b, a)
	c.cycle(a, b)

	require.NoError(t, b.g.Stop(context.Background()))
	assert.Equal(t, Stopped, b.g.State())

	st, ok := a.g.EndpointState("b:7000")
	require.True(t, ok)
	assert.Equal(t, StatusShutdown, st.Status())
	assert.False(t, st.Alive)
	assert.Equal(t, []Endpoint{"b:7000"}, a.g.UnreachableEndpoints())
	eventually(t, func() bool {
		kinds := a.rec.kinds("b:7000")
		return len(kinds) > 0 && kinds[len(kinds)-1] == Dead
	}, "down notification")
}

func TestLeftEndpointIsEvictedAndQuarantined(t *testing.T) {
	c := newCluster(t)
	quarantine := func(cfg *Config) { cfg.QuarantineDelay = 10 * time.Second }
	a := c.add("a:7000", func(cfg *Config) {
		quarantine(cfg)
		cfg.Seeds = []Endpoint{"b:7000"}
	})
	b := c.add("b:7000", func(cfg *Config) {
		quarantine(cfg)
		cfg.Seeds = []Endpoint{"a:7000"}
	})
	start(t, b, a)
	c.cycle(a, b)

	require.NoError(t, b.g.UpdateLocalApplicationState(context.Background(), AppStatus, StatusLeft))
	require.NoError(t, b.g.Round(context.Background()))
	st, ok := a.g.EndpointState("b:7000")
	require.True(t, ok)
	require.Equal(t, StatusLeft, st.Status())
	assert.Equal(t, []Endpoint{"b:7000"}, a.g.UnreachableEndpoints())

	c.net.Isolate("b:7000")
	c.clock.Advance(11 * time.Second)
	require.NoError(t, a.g.Round(context.Background()))
	_, ok = a.g.EndpointState("b:7000")
	assert.False(t, ok)
	assert.Empty(t, a.g.UnreachableEndpoints())
	eventually(t, func() bool {
		kinds := a.rec.kinds("b:7000")
		return len(kinds) > 0 && kinds[len(kinds)-1] == Remove
	}, "remove notification")

	// lagging gossip from B does not resurrect it while quarantined
	c.net.HealAll()
	require.NoError(t, b.g.Round(context.Background()))
	_, ok = a.g.EndpointState("b:7000")
	assert.False(t, ok)
}

func TestLeavingNodeIsEvictedAfterShutdown(t *testing.T) {
	c := newCluster(t)
	quarantine := func(cfg *Config) { cfg.QuarantineDelay = 10 * time.Second }
	a := c.add("a:7000", func(cfg *Config) {
		quarantine(cfg)
		cfg.Seeds = []Endpoint{"b:7000"}
	})
	b := c.add("b:7000", seeds("a:7000"))
	start(t, b, a)
	c.cycle(a, b)

	// LEFT reaches A only through the shutdown message
	ctx := context.Background()
	require.NoError(t, b.g.UpdateLocalApplicationState(ctx, AppStatus, StatusLeft))
	require.NoError(t, b.g.Stop(ctx))

	st, ok := a.g.EndpointState("b:7000")
	require.True(t, ok)
	assert.Equal(t, StatusLeft, st.Status())
	assert.False(t, st.Alive)

	c.clock.Advance(11 * time.Second)
	require.NoError(t, a.g.Round(ctx))
	_, ok = a.g.EndpointState("b:7000")
	assert.False(t, ok)
	assert.Empty(t, a.g.UnreachableEndpoints())
}

func TestShutdownEndpointExpires(t *testing.T) {
	c := newCluster(t)
	a := c.add("a:7000", func(cfg *Config) {
		cfg.DeadEndpointExpiry = time.Hour
		cfg.Seeds = []Endpoint{"b:7000"}
	})
	b := c.add("b:7000", seeds("a:7000"))
	start(t, b, a)
	c.cycle(a, b)

	ctx := context.Background()
	require.NoError(t, b.g.Stop(ctx))
	c.net.Isolate("b:7000")

	// SHUTDOWN is not terminal: the endpoint outlives the quarantine delay
	c.clock.Advance(30 * time.Minute)
	require.NoError(t, a.g.Round(ctx))
	st, ok := a.g.EndpointState("b:7000")
	require.True(t, ok)
	assert.Equal(t, StatusShutdown, st.Status())

	c.clock.Advance(31 * time.Minute)
	require.NoError(t, a.g.Round(ctx))
	_, ok = a.g.EndpointState("b:7000")
	assert.False(t, ok)
	eventually(t, func() bool {
		kinds := a.rec.kinds("b:7000")
		return len(kinds) > 0 && kinds[len(kinds)-1] == Remove
	}, "remove notification")
}

func TestForeignClusterIsRejected(t *testing.T) {
	c := newCluster(t)
	a := c.add("a:7000", nil)
	x := c.add("x:7000", func(cfg *Config) {
		cfg.ClusterID = "other"
		cfg.Seeds = []Endpoint{"a:7000"}
	})
	start(t, a, x)

	assert.Len(t, a.g.View().Endpoints, 1)
	assert.Len(t, x.g.View().Endpoints, 1)

	rogue := c.net.NewLocal("rogue:1", true)
	require.NoError(t, rogue.Start())
	m := syn{Cluster: "other", From: "rogue:1", Generation: 1}
	_, err := rogue.Send(context.Background(), "a:7000", VerbSyn, m.marshal())
	assert.ErrorIs(t, err, ErrClusterMismatch)
}

func TestAck2WithoutSynIsRejected(t *testing.T) {
	c := newCluster(t)
	a := c.add("a:7000", nil)
	start(t, a)

	rogue := c.net.NewLocal("rogue:1", true)
	require.NoError(t, rogue.Start())
	m := ack2{From: "rogue:1", States: []endpointDelta{state("z:7000", 5, 5, AppStatus, StatusNormal, 1)}}
	_, err := rogue.Send(context.Background(), "a:7000", VerbAck2, m.marshal())
	assert.ErrorIs(t, err, ErrUnexpectedAck2)

	_, ok := a.g.EndpointState("z:7000")
	assert.False(t, ok)
}

func TestStaleSynIsRejected(t *testing.T) {
	c := newCluster(t)
	a := c.add("a:7000", nil)
	b := c.add("b:7000", seeds("a:7000"))
	start(t, a, b)

	rogue := c.net.NewLocal("rogue:1", true)
	require.NoError(t, rogue.Start())
	m := syn{Cluster: "test", From: "b:7000", Generation: 99}
	_, err := rogue.Send(context.Background(), "a:7000", VerbSyn, m.marshal())
	assert.ErrorIs(t, err, ErrStaleSyn)
}

func TestLifecycle(t *testing.T) {
	c := newCluster(t)
	a := c.add("a:7000", nil)
	ctx := context.Background()

	assert.Equal(t, Stopped, a.g.State())
	assert.ErrorIs(t, a.g.Round(ctx), ErrNotRunning)
	assert.ErrorIs(t, a.g.UpdateLocalApplicationState(ctx, AppLoad, "1"), ErrNotRunning)
	assert.ErrorIs(t, a.g.Stop(ctx), ErrNotRunning)

	require.NoError(t, a.g.Start(ctx))
	assert.Equal(t, Running, a.g.State())
	assert.ErrorIs(t, a.g.Start(ctx), ErrAlreadyStarted)

	require.NoError(t, a.g.Stop(ctx))
	assert.Equal(t, Stopped, a.g.State())
	assert.ErrorIs(t, a.g.Stop(ctx), ErrNotRunning)
	assert.ErrorIs(t, a.g.UpdateLocalApplicationState(ctx, AppLoad, "1"), ErrNotRunning)
	assert.ErrorIs(t, a.g.Start(ctx), ErrAlreadyStarted)
}

func TestStartWithCancelledContext(t *testing.T) {
	c := newCluster(t)
	a := c.add("a:7000", seeds("b:7000"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, a.g.Start(ctx), context.Canceled)
	assert.Equal(t, Stopped, a.g.State())
	assert.ErrorIs(t, a.g.Round(context.Background()), ErrNotRunning)
	assert.ErrorIs(t, a.g.Stop(context.Background()), ErrNotRunning)
	assert.ErrorIs(t, a.g.Start(context.Background()), ErrAlreadyStarted)

	// the owner loop is gone
	select {
	case <-a.g.done:
	default:
		t.Fatal("owner loop still running")
	}
}

func TestStopRacingStart(t *testing.T) {
	c := newCluster(t)
	a := c.add("a:7000", func(cfg *Config) {
		cfg.Manual = false
		cfg.Interval = 10 * time.Millisecond
	})
	ctx := context.Background()

	stopped := make(chan error, 1)
	go func() {
		for {
			err := a.g.Stop(ctx)
			if !errors.Is(err, ErrNotRunning) {
				stopped <- err
				return
			}
			runtime.Gosched()
		}
	}()
	require.NoError(t, a.g.Start(ctx))

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop never observed the running gossiper")
	}
	assert.Equal(t, Stopped, a.g.State())
}

func TestNewValidatesConfig(t *testing.T) {
	tr := transport.NewNetwork().NewLocal("a:7000", true)
	fd := failuredetector.New(failuredetector.Config{})

	_, err := New(Config{Self: "a:7000"}, tr, fd)
	assert.Error(t, err)
	_, err = New(Config{ClusterID: "test"}, tr, fd)
	assert.Error(t, err)
	_, err = New(Config{ClusterID: "test", Self: "a:7000", Interval: -time.Second}, tr, fd)
	assert.Error(t, err)
}

func TestTickerDrivesRounds(t *testing.T) {
	c := newCluster(t)
	scope := tally.NewTestScope("", nil)
	a := c.add("a:7000", func(cfg *Config) {
		cfg.Manual = false
		cfg.Interval = 10 * time.Millisecond
		cfg.Scope = scope
	})
	start(t, a)

	eventually(t, func() bool { return counterValue(scope, "gossip.rounds") >= 3 }, "periodic rounds")
	require.NoError(t, a.g.Stop(context.Background()))

	// no round fires once stopping began
	after := counterValue(scope, "gossip.rounds")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, counterValue(scope, "gossip.rounds"))
}

func TestSubscriberPanicDoesNotStopDelivery(t *testing.T) {
	c := newCluster(t)
	a := c.add("a:7000", nil)
	a.g.Subscribe(func(Endpoint, ChangeKind) { panic("boom") })
	late := &recorder{}
	a.g.Subscribe(late.record)
	start(t, a)

	ctx := context.Background()
	require.NoError(t, a.g.UpdateLocalApplicationState(ctx, AppLoad, "1"))
	require.NoError(t, a.g.UpdateLocalApplicationState(ctx, AppLoad, "2"))
	eventually(t, func() bool { return len(late.kinds("a:7000")) == 2 }, "both changes delivered")

	v, _ := a.g.EndpointState("a:7000")
	load, _ := v.Value(AppLoad)
	assert.Equal(t, "2", load)
}

func TestUnsubscribe(t *testing.T) {
	c := newCluster(t)
	a := c.add("a:7000", nil)
	gone := &recorder{}
	unsubscribe := a.g.Subscribe(gone.record)
	start(t, a)

	ctx := context.Background()
	require.NoError(t, a.g.UpdateLocalApplicationState(ctx, AppLoad, "1"))
	eventually(t, func() bool { return len(gone.kinds("a:7000")) == 1 }, "first change")

	unsubscribe()
	unsubscribe()
	require.NoError(t, a.g.UpdateLocalApplicationState(ctx, AppLoad, "2"))
	// a.rec subscribed earlier and sees changes in order; once it has the
	// second change the removed subscriber would have had it too
	eventually(t, func() bool { return len(a.rec.kinds("a:7000")) == 2 }, "second change")
	assert.Len(t, gone.kinds("a:7000"), 1)
}

func TestViewIsImmutable(t *testing.T) {
	c := newCluster(t)
	a := c.add("a:7000", seeds("b:7000"))
	b := c.add("b:7000", seeds("a:7000"))
	start(t, b, a)

	before := a.g.View()
	beforeB := before.Endpoints["b:7000"]
	c.cycle(a, b)
	require.NoError(t, b.g.UpdateLocalApplicationState(context.Background(), AppLoad, "9"))
	c.cycle(b, a)

	assert.Equal(t, beforeB, before.Endpoints["b:7000"])
	_, had := beforeB.Value(AppLoad)
	assert.False(t, had)
	load, _ := a.g.View().Endpoints["b:7000"].Value(AppLoad)
	assert.Equal(t, "9", load)
}

func counterValue(scope tally.TestScope, name string) int64 {
	var total int64
	for _, c := range scope.Snapshot().Counters() {
		if c.Name() == name {
			total += c.Value()
		}
	}
	return total
}
