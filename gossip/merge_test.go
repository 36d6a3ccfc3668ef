package gossip

import (
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamgarcia4/goLearning/gms/failuredetector"
	"github.com/adamgarcia4/goLearning/gms/transport"
	"github.com/adamgarcia4/goLearning/gms/wire"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
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

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// newTableGossiper builds a Gossiper that is never started; tests drive its
// owner-goroutine methods directly.
func newTableGossiper(t *testing.T) *Gossiper {
	t.Helper()
	fd := failuredetector.New(failuredetector.Config{Self: "self:7000", Log: quietLogger()})
	tr := transport.NewNetwork().NewLocal("self:7000", true)
	g, err := New(Config{
		ClusterID:  "test",
		Self:       "self:7000",
		Generation: 1,
		Manual:     true,
		Clock:      newFakeClock(),
		Rand:       rand.New(rand.NewSource(1)),
		Log:        quietLogger(),
	}, tr, fd)
	require.NoError(t, err)
	return g
}

func state(ep Endpoint, gen, hbVersion int64, kv ...any) endpointDelta {
	d := endpointDelta{Endpoint: ep, Heartbeat: HeartbeatState{Generation: gen, Version: hbVersion}}
	if len(kv) > 0 {
		d.AppStates = make(map[AppStateKey]VersionedValue)
	}
	for i := 0; i+2 < len(kv); i += 3 {
		d.AppStates[kv[i].(AppStateKey)] = VersionedValue{Value: kv[i+1].(string), Version: int64(kv[i+2].(int))}
	}
	return d
}

func TestMergeIsIdempotent(t *testing.T) {
	g := newTableGossiper(t)
	s := state("b:7000", 100, 5, AppStatus, StatusNormal, 3, AppLoad, "42", 5)

	g.applyStateLocally([]endpointDelta{s})
	once := g.endpoints["b:7000"].snapshot("b:7000")
	g.applyStateLocally([]endpointDelta{s})
	twice := g.endpoints["b:7000"].snapshot("b:7000")

	assert.Equal(t, once, twice)
	assert.Len(t, g.endpoints, 2)
}

func TestMergeNeverGoesBackwards(t *testing.T) {
	g := newTableGossiper(t)
	g.applyStateLocally([]endpointDelta{state("b:7000", 100, 10, AppStatus, StatusNormal, 9)})
	before := g.endpoints["b:7000"].heartbeat

	// older heartbeat and older STATUS
	g.applyStateLocally([]endpointDelta{state("b:7000", 100, 7, AppStatus, StatusLeaving, 6)})
	st := g.endpoints["b:7000"]
	assert.Equal(t, before, st.heartbeat)
	assert.Equal(t, StatusNormal, st.status())

	// newer delta: STATUS is older than the stored key, SCHEMA is new
	g.applyStateLocally([]endpointDelta{state("b:7000", 100, 12, AppStatus, StatusLeaving, 8, AppSchema, "s2", 11)})
	st = g.endpoints["b:7000"]
	assert.False(t, st.heartbeat.Less(before))
	assert.Equal(t, int64(12), st.heartbeat.Version)
	assert.Equal(t, StatusNormal, st.status())
	assert.Equal(t, VersionedValue{Value: "s2", Version: 11}, st.appStates[AppSchema])
}

func TestHigherGenerationResetsState(t *testing.T) {
	g := newTableGossiper(t)
	g.applyStateLocally([]endpointDelta{state("b:7000", 100, 20, AppStatus, StatusNormal, 10, AppSchema, "s1", 11)})

	g.applyStateLocally([]endpointDelta{state("b:7000", 101, 2, AppStatus, StatusNormal, 1)})

	st := g.endpoints["b:7000"]
	assert.Equal(t, HeartbeatState{Generation: 101, Version: 2}, st.heartbeat)
	assert.Equal(t, map[AppStateKey]VersionedValue{
		AppStatus: {Value: StatusNormal, Version: 1},
	}, st.appStates)
}

func TestGenerationFarAheadIsIgnored(t *testing.T) {
	g := newTableGossiper(t)
	g.applyStateLocally([]endpointDelta{state("b:7000", 100, 5, AppStatus, StatusNormal, 3)})
	g.applyStateLocally([]endpointDelta{state("b:7000", 100+2*maxGenerationDrift, 1)})

	assert.Equal(t, int64(100), g.endpoints["b:7000"].heartbeat.Generation)
}

func TestOlderGenerationIsIgnored(t *testing.T) {
	g := newTableGossiper(t)
	g.applyStateLocally([]endpointDelta{state("b:7000", 100, 5, AppStatus, StatusNormal, 3)})
	g.applyStateLocally([]endpointDelta{state("b:7000", 99, 50, AppStatus, StatusLeaving, 40)})

	st := g.endpoints["b:7000"]
	assert.Equal(t, HeartbeatState{Generation: 100, Version: 5}, st.heartbeat)
	assert.Equal(t, StatusNormal, st.status())
}

func TestStateAboutSelfIsIgnored(t *testing.T) {
	g := newTableGossiper(t)
	g.applyStateLocally([]endpointDelta{state("self:7000", 5, 100, AppStatus, StatusLeft, 99)})

	local := g.endpoints["self:7000"]
	assert.Equal(t, int64(1), local.heartbeat.Generation)
	assert.NotEqual(t, StatusLeft, local.status())
}

func TestDeadStatusIsNotMarkedAlive(t *testing.T) {
	g := newTableGossiper(t)
	g.applyStateLocally([]endpointDelta{
		state("b:7000", 100, 5, AppStatus, StatusNormal, 3),
		state("c:7000", 100, 5, AppStatus, StatusLeft, 3),
	})
	assert.Equal(t, []Endpoint{"b:7000"}, g.liveList())
	assert.Equal(t, []Endpoint{"c:7000"}, g.unreachableList())

	g.applyStateLocally([]endpointDelta{state("b:7000", 100, 9, AppStatus, StatusRemoved, 8)})
	assert.Empty(t, g.liveList())
}

func TestExamine(t *testing.T) {
	g := newTableGossiper(t)
	g.applyStateLocally([]endpointDelta{
		state("b:7000", 100, 10, AppStatus, StatusNormal, 2),
		state("c:7000", 100, 5, AppStatus, StatusNormal, 2),
		state("d:7000", 100, 6, AppStatus, StatusNormal, 3, AppLoad, "7", 7),
		state("e:7000", 100, 3),
	})

	states, requests := g.examine([]Digest{
		{Endpoint: "b:7000", Generation: 100, MaxVersion: 10}, // in sync
		{Endpoint: "c:7000", Generation: 100, MaxVersion: 8},  // peer newer
		{Endpoint: "d:7000", Generation: 100, MaxVersion: 4},  // we are newer
		{Endpoint: "e:7000", Generation: 99, MaxVersion: 30},  // peer has an old generation
		{Endpoint: "x:7000", Generation: 50, MaxVersion: 3},   // unknown to us
	})

	assert.ElementsMatch(t, []Digest{
		{Endpoint: "c:7000", Generation: 100, MaxVersion: 5},
		{Endpoint: "x:7000", Generation: 50},
	}, requests)

	byEndpoint := make(map[Endpoint]endpointDelta)
	for _, s := range states {
		byEndpoint[s.Endpoint] = s
	}
	require.Len(t, byEndpoint, 3)
	assert.Equal(t, map[AppStateKey]VersionedValue{AppLoad: {Value: "7", Version: 7}}, byEndpoint["d:7000"].AppStates)
	assert.Equal(t, HeartbeatState{Generation: 100, Version: 6}, byEndpoint["d:7000"].Heartbeat)
	assert.Equal(t, HeartbeatState{Generation: 100, Version: 3}, byEndpoint["e:7000"].Heartbeat)
	// the local endpoint was not mentioned at all
	assert.Contains(t, byEndpoint, Endpoint("self:7000"))
}

func TestAnswerSendsFullStateOnGenerationMismatch(t *testing.T) {
	g := newTableGossiper(t)
	g.applyStateLocally([]endpointDelta{state("b:7000", 100, 10, AppStatus, StatusNormal, 2, AppLoad, "1", 9)})

	states := g.answer([]Digest{
		{Endpoint: "b:7000", Generation: 99, MaxVersion: 5},
		{Endpoint: "gone:7000", Generation: 1},
	})
	require.Len(t, states, 1)
	assert.Len(t, states[0].AppStates, 2)

	states = g.answer([]Digest{{Endpoint: "b:7000", Generation: 100, MaxVersion: 5}})
	require.Len(t, states, 1)
	assert.Equal(t, map[AppStateKey]VersionedValue{AppLoad: {Value: "1", Version: 9}}, states[0].AppStates)
}

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	good := syn{Cluster: "test", From: "a:7000", Generation: 1, Digests: []Digest{{Endpoint: "a:7000", Generation: 1, MaxVersion: 3}}}
	b := good.marshal()

	var m syn
	assert.ErrorIs(t, m.unmarshal(b[:len(b)-2]), wire.ErrMalformed)

	bad := syn{Cluster: "test", From: "a:7000", Digests: []Digest{{Generation: 1}}}
	m = syn{}
	assert.ErrorIs(t, m.unmarshal(bad.marshal()), wire.ErrMalformed)

	var a ack
	assert.ErrorIs(t, a.unmarshal([]byte{0xff}), wire.ErrMalformed)
}

func TestDeltaEncodingKeepsStates(t *testing.T) {
	in := state("b:7000", 100, 7, AppStatus, StatusNormal, 3, AppDC, "dc1", 5)
	var out endpointDelta
	require.NoError(t, out.unmarshal(in.marshal()))
	assert.Equal(t, in, out)
}

func TestShutdownCarriesStatus(t *testing.T) {
	in := shutdown{From: "b:7000", Generation: 100, Status: StatusLeft}
	var out shutdown
	require.NoError(t, out.unmarshal(in.marshal()))
	assert.Equal(t, in, out)

	anonymous := shutdown{Generation: 1}
	var missing shutdown
	assert.ErrorIs(t, missing.unmarshal(anonymous.marshal()), wire.ErrMalformed)
}

func TestShutdownFromUnknownStatusPinsShutdown(t *testing.T) {
	g := newTableGossiper(t)
	g.applyStateLocally([]endpointDelta{state("b:7000", 100, 5, AppStatus, StatusNormal, 3)})

	m := shutdown{From: "b:7000", Generation: 100, Status: StatusNormal}
	_, err := g.handleShutdown("b:7000", m.marshal())
	require.NoError(t, err)
	st := g.endpoints["b:7000"]
	assert.Equal(t, StatusShutdown, st.status())
	assert.False(t, st.alive)

	g.applyStateLocally([]endpointDelta{state("b:7000", 100, 9, AppStatus, StatusNormal, 8)})
	assert.Equal(t, StatusShutdown, g.endpoints["b:7000"].status())
}
