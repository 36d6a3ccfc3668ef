package gossip

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uber-go/tally/v4"

	"github.com/adamgarcia4/goLearning/gms/failuredetector"
	"github.com/adamgarcia4/goLearning/gms/transport"
)

/**
Cassandra's GMS (Gossip Membership Service) is responsible for:
- Gossip protocol
- Membership management
- Node liveness tracking
- Heartbeat/state dissemination
- Managing endpoint states & application states

The membership view answers 3 questions:
1. Who are the members? (the endpoint table)
2. Are they alive? (live and unreachable sets, judged by the failure detector)
3. What do they announce? (application states: STATUS, LOAD, DC, ...)

ReferenceCode: https://github.com/apache/cassandra/blob/trunk/src/java/org/apache/cassandra/gms/Gossiper.java

Overview:
	Gossiper:
		Central engine gossiping about the local endpoint and everything it learnt.
			Fields:
				endpoints (map[Endpoint]*EndpointState) - every known endpoint, self included
				live (set[Endpoint]) - endpoints judged alive
				unreachable (map[Endpoint]time.Time) - endpoints judged dead, and since when
				justRemoved (map[Endpoint]time.Time) - evicted endpoints quarantined against re-adding
			Periodically (once a second):
				Bumps the local heartbeat version
				Picks peers to gossip with (one live, maybe one unreachable, maybe one seed)
				Executes a 3-step exchange with each:
					GOSSIP_DIGEST_SYN -> send digest list (endpoint, generation, maxVersion)
					GOSSIP_DIGEST_ACK -> peer answers with newer states and requests
					GOSSIP_DIGEST_ACK2 -> initiator sends the requested states
				Merges remote states using:
					generation comparison (a higher one resets the endpoint)
					per-key version comparison within a generation
				Runs the status check: asks the failure detector about every endpoint and
				evicts long-dead endpoints that left the cluster
			It also notifies:
				the FailureDetector about every merge that moved an endpoint forward
				Subscribers when endpoints join, die, come back, change or are removed

	Ownership:
		Only the loop goroutine touches the table and the failure detector.
		Transport handlers, rounds and consumer writes hand it closures through do().
		Network sends run on their own goroutines and post results back the same way.
		Consumers read an immutable View published after every change.

File Organization:
	gossip.go - Gossiper, Config, lifecycle and the owner loop
	types.go - Endpoint, application state keys and values, change kinds, verbs
	heartbeat_state.go - HeartbeatState and the version generator
	endpoint_state.go - EndpointState and EndpointSnapshot
	digest.go - Digest creation and comparison
	messages.go - SYN/ACK/ACK2/SHUTDOWN encoding
	exchange.go - both sides of the exchange and the shutdown announcement
	state_management.go - merging remote state, liveness transitions
	round.go - the gossip round and status check
	view.go - consumer API
	subscribers.go - ordered notification dispatch
*/

const (
	DefaultInterval               = time.Second
	DefaultUnreachableProbability = 0.1
	DefaultSeedProbability        = 0.1
	DefaultQuarantineDelay        = time.Minute
	// Dead endpoints that stay silent this long are evicted whatever their
	// STATUS.
	DefaultDeadEndpointExpiry = 72 * time.Hour

	// A generation further ahead than this of the stored one is a clock anomaly.
	maxGenerationDrift = 86400 * 365
)

// Clock supplies the time for heartbeat arrivals and the default generation.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

type Config struct {
	ClusterID string
	Self      Endpoint
	// Seeds are always eligible targets. Self is ignored if listed.
	Seeds []Endpoint
	// Generation defaults to Clock.Now() in unix seconds.
	Generation int64
	Interval   time.Duration
	// ExchangeTimeout bounds one SYN/ACK/ACK2 exchange. Defaults to Interval.
	ExchangeTimeout time.Duration
	// Probabilities of the extra unreachable and seed targets per round.
	// Zero selects the default, a negative value disables the extra target.
	UnreachableProbability float64
	SeedProbability        float64
	// QuarantineDelay is how long a LEFT/REMOVED endpoint stays in the table
	// after its last update, and then how long it is refused after eviction.
	QuarantineDelay time.Duration
	// DeadEndpointExpiry bounds how long any dead endpoint is kept after its
	// last update.
	DeadEndpointExpiry time.Duration
	// Manual disables the round ticker; rounds run only through Round.
	Manual        bool
	InitialStates map[AppStateKey]string
	Clock         Clock
	// Rand is used by the owner goroutine only.
	Rand  *rand.Rand
	Log   logrus.FieldLogger
	Scope tally.Scope
}

type Gossiper struct {
	cfg       Config
	self      Endpoint
	seeds     []Endpoint
	transport transport.Messenger
	fd        *failuredetector.Detector
	log       logrus.FieldLogger
	scope     tally.Scope
	clock     Clock
	rng       *rand.Rand

	// owned by the loop goroutine
	heartbeat   HeartbeatState
	versions    versionGenerator
	endpoints   map[Endpoint]*EndpointState
	live        map[Endpoint]struct{}
	unreachable map[Endpoint]time.Time
	justRemoved map[Endpoint]time.Time
	pendingSyns map[Endpoint]*pendingSyn
	dirty       map[Endpoint]struct{}

	ops       chan func()
	quit      chan struct{}
	done      chan struct{}
	used      atomic.Bool
	state     atomic.Int32
	exchanges sync.WaitGroup
	tickStop  chan struct{}
	tickDone  chan struct{}

	view     atomic.Pointer[View]
	notifier *notifier
}

type pendingSyn struct {
	count int
	last  time.Time
}

// New builds a stopped Gossiper and registers its verbs on t. The failure
// detector must not be shared with another Gossiper.
func New(cfg Config, t transport.Messenger, fd *failuredetector.Detector) (*Gossiper, error) {
	if cfg.ClusterID == "" {
		return nil, fmt.Errorf("clusterID must be set")
	}
	if cfg.Self == "" {
		return nil, fmt.Errorf("self endpoint must be set")
	}
	if cfg.Interval < 0 {
		return nil, fmt.Errorf("interval must not be negative")
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = cfg.Interval
	}
	if cfg.UnreachableProbability == 0 {
		cfg.UnreachableProbability = DefaultUnreachableProbability
	}
	if cfg.SeedProbability == 0 {
		cfg.SeedProbability = DefaultSeedProbability
	}
	if cfg.QuarantineDelay <= 0 {
		cfg.QuarantineDelay = DefaultQuarantineDelay
	}
	if cfg.DeadEndpointExpiry <= 0 {
		cfg.DeadEndpointExpiry = DefaultDeadEndpointExpiry
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Generation == 0 {
		cfg.Generation = cfg.Clock.Now().Unix()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if cfg.Scope == nil {
		cfg.Scope = tally.NoopScope
	}

	var seeds []Endpoint
	for _, s := range cfg.Seeds {
		if s != cfg.Self {
			seeds = append(seeds, s)
		}
	}
	sort.Slice(seeds, func(i, j int) bool { return seeds[i] < seeds[j] })

	g := &Gossiper{
		cfg:         cfg,
		self:        cfg.Self,
		seeds:       seeds,
		transport:   t,
		fd:          fd,
		log:         cfg.Log,
		scope:       cfg.Scope.SubScope("gossip"),
		clock:       cfg.Clock,
		rng:         cfg.Rand,
		heartbeat:   HeartbeatState{Generation: cfg.Generation},
		endpoints:   make(map[Endpoint]*EndpointState),
		live:        make(map[Endpoint]struct{}),
		unreachable: make(map[Endpoint]time.Time),
		justRemoved: make(map[Endpoint]time.Time),
		pendingSyns: make(map[Endpoint]*pendingSyn),
		dirty:       make(map[Endpoint]struct{}),
		ops:         make(chan func()),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		notifier:    newNotifier(cfg.Log),
	}

	// The local endpoint is treated like any other in digests and deltas.
	local := newEndpointState(g.heartbeat, nil)
	local.alive = true
	local.updateTime = g.clock.Now()
	keys := make([]AppStateKey, 0, len(cfg.InitialStates))
	for k := range cfg.InitialStates {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		local.appStates[k] = VersionedValue{Value: cfg.InitialStates[k], Version: g.versions.next()}
	}
	g.endpoints[g.self] = local
	g.markDirty(g.self)
	g.publish()

	fd.RegisterListener(g.onLiveness)
	t.RegisterHandler(VerbSyn, g.serve(VerbSyn, g.handleSyn))
	t.RegisterHandler(VerbAck2, g.serve(VerbAck2, g.handleAck2))
	t.RegisterHandler(VerbShutdown, g.serve(VerbShutdown, g.handleShutdown))
	return g, nil
}

func (g *Gossiper) State() ServiceState {
	return ServiceState(g.state.Load())
}

// Start runs the first round against the seeds and then schedules a round
// every Interval unless the Gossiper is manual. A Gossiper starts only once.
func (g *Gossiper) Start(ctx context.Context) error {
	if !g.used.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	g.state.Store(int32(Starting))
	go g.loop()
	go g.notifier.run()

	g.log.Infof("Starting gossip: cluster %s, generation %d, seeds %v", g.cfg.ClusterID, g.heartbeat.Generation, g.seeds)
	var first *sync.WaitGroup
	if err := g.do(ctx, func() { first = g.round() }); err != nil {
		g.halt()
		return err
	}
	if err := waitFor(ctx, first); err != nil {
		g.log.Warnf("First gossip round did not finish: %v", err)
	}

	if !g.cfg.Manual {
		g.tickStop = make(chan struct{})
		g.tickDone = make(chan struct{})
	}
	g.state.Store(int32(Running))
	if g.tickStop != nil {
		go g.tick()
	}
	return nil
}

// halt stops the owner loop and the dispatcher after a failed Start.
func (g *Gossiper) halt() {
	g.exchanges.Wait()
	close(g.quit)
	<-g.done
	g.notifier.close()
	g.state.Store(int32(Stopped))
}

// Round runs one round and waits for its exchanges to finish or time out.
func (g *Gossiper) Round(ctx context.Context) error {
	if g.State() != Running {
		return ErrNotRunning
	}
	var wg *sync.WaitGroup
	if err := g.do(ctx, func() { wg = g.round() }); err != nil {
		return err
	}
	return waitFor(ctx, wg)
}

// Stop announces the shutdown to live peers, stops the round ticker and waits
// for in-flight exchanges before stopping the owner loop. The transport is
// left running; the caller shuts it down afterwards.
func (g *Gossiper) Stop(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(Running), int32(Stopping)) {
		return ErrNotRunning
	}
	if g.tickStop != nil {
		close(g.tickStop)
		<-g.tickDone
	}

	err := g.announceShutdown(ctx)
	if waitErr := waitFor(ctx, &g.exchanges); waitErr != nil && err == nil {
		err = fmt.Errorf("wait for in-flight exchanges: %w", waitErr)
	}

	close(g.quit)
	<-g.done
	g.notifier.close()
	g.state.Store(int32(Stopped))
	g.log.Infof("Gossip stopped")
	return err
}

// UpdateLocalApplicationState sets a local application state under a new
// version. It reaches peers with the next rounds.
func (g *Gossiper) UpdateLocalApplicationState(ctx context.Context, key AppStateKey, value string) error {
	return g.do(ctx, func() {
		local := g.endpoints[g.self]
		local.appStates[key] = VersionedValue{Value: value, Version: g.versions.next()}
		local.updateTime = g.clock.Now()
		g.markDirty(g.self)
		g.notify(g.self, Change)
	})
}

// do runs fn on the owner goroutine and waits for it.
func (g *Gossiper) do(ctx context.Context, fn func()) error {
	if !g.used.Load() {
		return ErrNotRunning
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	finished := make(chan struct{})
	op := func() {
		defer close(finished)
		fn()
		if len(g.dirty) > 0 {
			g.publish()
		}
	}

	select {
	case g.ops <- op:
	case <-g.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	// The op has been taken by the loop, which runs it to completion.
	<-finished
	return nil
}

func (g *Gossiper) loop() {
	defer close(g.done)
	for {
		select {
		case op := <-g.ops:
			op()
		case <-g.quit:
			return
		}
	}
}

func (g *Gossiper) tick() {
	defer close(g.tickDone)
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	g.log.Debugf("Gossiping every %v", g.cfg.Interval)

	for {
		select {
		case <-g.tickStop:
			return
		case <-ticker.C:
			if err := g.do(context.Background(), func() { g.round() }); err != nil {
				if errors.Is(err, ErrNotRunning) {
					return
				}
				g.log.Errorf("Gossip round failed: %v", err)
			}
		}
	}
}

func waitFor(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
