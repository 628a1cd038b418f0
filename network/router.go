package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog"

	"github.com/VanDung-dev/hierafabric/api"
	"github.com/VanDung-dev/hierafabric/envelope"
	"github.com/VanDung-dev/hierafabric/message"
)

// Options configure a Router.
type Options struct {
	// HMACKey signs messages the router originates (errors, stats).
	HMACKey []byte

	// StatsInterval is how often counters are emitted and reset.
	StatsInterval time.Duration
	// SweepInterval is how often the peer cache is checked for expiry.
	SweepInterval time.Duration
	// PeerTTL is how long a learned peer survives without traffic.
	PeerTTL time.Duration
	// PollTimeout bounds each wait for inbound messages.
	PollTimeout time.Duration
	// ErrorBackoff is the pause after a transport read error.
	ErrorBackoff time.Duration
	// PollBatch caps the events handled per iteration.
	PollBatch int
	// MaxTraceHops caps the router trace, keeping the most recent hops.
	// Zero means unlimited.
	MaxTraceHops int
	// ShutdownGrace delays closing broadcast sinks so queued messages drain.
	ShutdownGrace time.Duration

	// ErrorSink receives an error message for every unroutable message.
	ErrorSink Socket
	// StatsSink receives a counter message per counter on every flush.
	StatsSink Socket

	Now     func() time.Time
	Logger  *zerolog.Logger
	Metrics *api.Metrics
}

// DefaultOptions returns Options with the standard intervals.
func DefaultOptions() Options {
	return Options{
		StatsInterval: 30 * time.Second,
		SweepInterval: 5 * time.Minute,
		PeerTTL:       24 * time.Hour,
		PollTimeout:   250 * time.Millisecond,
		ErrorBackoff:  50 * time.Millisecond,
		PollBatch:     256,
		MaxTraceHops:  64,
		ShutdownGrace: time.Second,
	}
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.StatsInterval <= 0 {
		o.StatsInterval = def.StatsInterval
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = def.SweepInterval
	}
	if o.PeerTTL <= 0 {
		o.PeerTTL = def.PeerTTL
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = def.PollTimeout
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = def.ErrorBackoff
	}
	if o.PollBatch <= 0 {
		o.PollBatch = def.PollBatch
	}
	if o.MaxTraceHops < 0 {
		o.MaxTraceHops = 0
	}
	if o.ShutdownGrace < 0 {
		o.ShutdownGrace = 0
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Router dispatches messages between sockets by static rules and by the
// reply paths it learns from agents. All dispatch happens on the goroutine
// that calls Run or PollOnce; rules must be installed before Setup.
type Router struct {
	self string
	opts Options
	src  *envelope.Source
	log  zerolog.Logger

	endpoints []*endpoint
	bySocket  map[Socket]Handle
	rules     map[Handle]*ruleSet
	peers     *PeerCache
	stats     *Stats
	poller    *Poller

	errorSink Handle
	statsSink Handle

	lastFlush time.Time
	lastSweep time.Time

	mu       sync.Mutex
	started  bool
	shutdown bool
	stopped  atomic.Bool
}

// NewRouter creates a router identified by self.
func NewRouter(self string, opts Options) (*Router, error) {
	id, err := envelope.CanonicalUUID(self)
	if err != nil {
		return nil, fmt.Errorf("router id: %w", err)
	}
	opts.applyDefaults()

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	r := &Router{
		self:      id,
		opts:      opts,
		src:       envelope.NewSourceWithClock(opts.Now),
		log:       logger.With().Str("component", "router").Str("router_id", id).Logger(),
		bySocket:  make(map[Socket]Handle),
		rules:     make(map[Handle]*ruleSet),
		peers:     NewPeerCache(),
		stats:     NewStats(),
		poller:    NewPoller(opts.PollBatch, opts.ErrorBackoff),
		errorSink: NoHandle,
		statsSink: NoHandle,
	}
	if opts.ErrorSink != nil {
		r.errorSink = r.register("error-sink", opts.ErrorSink)
	}
	if opts.StatsSink != nil {
		r.statsSink = r.register("stats-sink", opts.StatsSink)
	}
	return r, nil
}

// ID returns the router's UUID.
func (r *Router) ID() string {
	return r.self
}

func (r *Router) register(name string, s Socket) Handle {
	if h, ok := r.bySocket[s]; ok {
		return h
	}
	h := Handle(len(r.endpoints))
	if name == "" {
		name = fmt.Sprintf("socket-%d", h)
	}
	r.endpoints = append(r.endpoints, &endpoint{handle: h, name: name, sock: s})
	r.bySocket[s] = h
	return h
}

// AddSocket registers s under name and returns its handle. Registering the
// same socket twice returns the original handle.
func (r *Router) AddSocket(name string, s Socket) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return NoHandle, ErrRunning
	}
	return r.register(name, s), nil
}

// Route installs rule for messages arriving on src, forwarding matches to
// dest. Both sockets are registered if needed.
func (r *Router) Route(rule Rule, src, dest Socket) error {
	if src == nil || dest == nil {
		return fmt.Errorf("%w: route needs src and dest", envelope.ErrValidation)
	}
	rule, err := rule.normalize()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrRunning
	}

	srcH := r.register("", src)
	destH := r.register("", dest)
	r.endpoints[srcH].source = true

	set, ok := r.rules[srcH]
	if !ok {
		set = &ruleSet{}
		r.rules[srcH] = set
	}
	set.add(&route{Rule: rule, dest: destH, lastMatch: r.opts.Now()})

	r.log.Debug().
		Str("src", r.endpoints[srcH].name).
		Str("dest", r.endpoints[destH].name).
		Str("tier", rule.Tier().Counter()).
		Msg("route installed")
	return nil
}

// Listen marks s as a source without installing rules, so the router learns
// peers on it and delivers cached replies to it.
func (r *Router) Listen(name string, s Socket) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return NoHandle, ErrRunning
	}
	h := r.register(name, s)
	r.endpoints[h].source = true
	return h, nil
}

// Setup starts reading from every source socket. It is called by Run; call
// it directly when driving the loop with PollOnce.
func (r *Router) Setup() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return errors.New("router is shut down")
	}
	if r.started {
		return nil
	}

	sources := 0
	for _, ep := range r.endpoints {
		if ep.source {
			r.poller.Add(ep.handle, ep.sock)
			sources++
		}
	}
	now := r.opts.Now()
	r.lastFlush = now
	r.lastSweep = now
	r.started = true
	r.updateGauges()

	r.log.Info().Int("sources", sources).Int("sockets", len(r.endpoints)).Msg("router set up")
	return nil
}

// Run polls and dispatches until Stop is called or ctx is done.
func (r *Router) Run(ctx context.Context) error {
	if err := r.Setup(); err != nil {
		return err
	}
	r.log.Info().Msg("router running")

	for !r.stopped.Load() {
		if ctx.Err() != nil {
			break
		}
		if err := r.PollOnce(); err != nil {
			r.log.Warn().Err(err).Msg("poll iteration failed")
		}
		r.Maintain()
	}

	r.log.Info().Msg("router stopped")
	return nil
}

// Stop asks Run to return after the current iteration.
func (r *Router) Stop() {
	r.stopped.Store(true)
}

// PollOnce waits up to PollTimeout for inbound messages and dispatches them.
// A non-nil error reports transport read failures; dispatch continues past
// them.
func (r *Router) PollOnce() error {
	r.stats.Incr(CounterPoll)

	events := r.poller.Poll(r.opts.PollTimeout, r.opts.PollBatch)
	if len(events) == 0 {
		r.stats.Incr(CounterPollTimeout)
		return nil
	}

	var errs []error
	for _, ev := range events {
		if ev.Err != nil {
			r.stats.Incr(CounterPollError)
			errs = append(errs, fmt.Errorf("%w: recv on %s: %v", ErrTransport, r.endpoints[ev.Src].name, ev.Err))
			continue
		}
		r.dispatch(ev.Src, ev.Msg.Frames)
	}

	if len(errs) > 0 {
		time.Sleep(r.opts.ErrorBackoff)
		return errors.Join(errs...)
	}
	return nil
}

// Maintain runs peer expiry and stats flushing when their intervals have
// elapsed.
func (r *Router) Maintain() {
	now := r.opts.Now()
	if now.Sub(r.lastSweep) >= r.opts.SweepInterval {
		r.SweepPeers()
	}
	if now.Sub(r.lastFlush) >= r.opts.StatsInterval {
		r.FlushStats()
	}
}

// dispatch handles one inbound frame set from src.
func (r *Router) dispatch(src Handle, frames [][]byte) {
	start := time.Now()
	r.stats.Incr(CounterReceived)

	n := len(frames)
	if n < 2 {
		r.stats.Incr(CounterParseError)
		r.log.Warn().Int("frames", n).Msg("dropping message with too few frames")
		return
	}
	env, err := envelope.Parse(frames[n-2])
	if err != nil {
		r.stats.Incr(CounterParseError)
		r.log.Warn().Err(err).Msg("dropping message with unparseable envelope")
		return
	}
	payload := frames[n-1]
	lead := frames[:n-2]

	env.AddRouter(r.self)
	env.TrimTrace(r.opts.MaxTraceHops)

	ep := r.endpoints[src]
	if ep.replyCapable() {
		r.learn(env.From, src, lead)
	}

	if env.TypeID == uint8(message.KindNoop) || env.To == message.RouteNoop {
		r.stats.Incr(CounterNoop)
		return
	}

	packed, err := env.Pack()
	if err != nil {
		r.stats.Incr(CounterParseError)
		r.log.Warn().Err(err).Msg("dropping message that cannot be repacked")
		return
	}

	routed := false
	if set, ok := r.rules[src]; ok {
		now := r.opts.Now()
		for tier := range set {
			for _, rt := range set[tier] {
				if !rt.matches(env) {
					continue
				}
				r.stats.Incr(Tier(tier).Counter())
				rt.lastMatch = now
				routed = true
				_ = r.forward(rt.dest, nil, packed, payload)
			}
		}
	}

	if peer, ok := r.peers.Lookup(env.To); ok {
		r.stats.Incr(CounterRoutedPeer)
		routed = true
		_ = r.forward(peer.Dest, peer.Frames, packed, payload)
	}

	if !routed {
		r.unroutable(env, payload)
	}

	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordDispatch(len(frames[n-2])+len(payload), time.Since(start))
	}
}

func (r *Router) learn(from string, src Handle, lead [][]byte) {
	frames := make([][]byte, len(lead))
	for i, f := range lead {
		frames[i] = append([]byte(nil), f...)
	}
	if r.peers.Learn(from, src, frames, r.opts.Now()) {
		r.stats.Incr(CounterPeerLearned)
		r.log.Debug().Str("peer", from).Str("socket", r.endpoints[src].name).Msg("learned peer")
	}
}

// forward writes lead, packed and payload to dest as one multi-part message.
func (r *Router) forward(dest Handle, lead [][]byte, packed, payload []byte) error {
	ep := r.endpoints[dest]
	if ep.replyCapable() && len(lead) == 0 {
		r.stats.Incr(CounterInvariant)
		err := fmt.Errorf("%w: no identity frame for reply socket %s", ErrInvariant, ep.name)
		r.log.Error().Err(err).Msg("refusing to forward")
		return err
	}

	frames := make([][]byte, 0, len(lead)+2)
	frames = append(frames, lead...)
	frames = append(frames, packed, payload)

	if err := ep.sock.SendMulti(zmq4.NewMsgFrom(frames...)); err != nil {
		r.stats.Incr(CounterSendError)
		err = fmt.Errorf("%w: send to %s: %v", ErrTransport, ep.name, err)
		r.log.Warn().Err(err).Msg("forward failed")
		return err
	}
	r.stats.Add(CounterBytesForwarded, int64(len(packed)+len(payload)))
	return nil
}

type unroutableReport struct {
	Reason   string         `json:"reason"`
	Envelope envelopeReport `json:"envelope"`
	Payload  []byte         `json:"payload"`
}

type envelopeReport struct {
	Type      string   `json:"type"`
	To        string   `json:"to"`
	From      string   `json:"from"`
	Sequence  uint64   `json:"sequence"`
	Timestamp uint64   `json:"timestamp"`
	Routers   []string `json:"routers"`
}

func (r *Router) unroutable(env *envelope.Envelope, payload []byte) {
	r.stats.Incr(CounterMissed)
	r.log.Warn().
		Err(ErrUnroutable).
		Str("type", message.Kind(env.TypeID).String()).
		Str("to", env.To).
		Str("from", env.From).
		Uint64("sequence", env.Sequence).
		Msg("no route for message")

	if r.errorSink == NoHandle {
		return
	}
	report := unroutableReport{
		Reason: ErrUnroutable.Error(),
		Envelope: envelopeReport{
			Type:      message.Kind(env.TypeID).String(),
			To:        env.To,
			From:      env.From,
			Sequence:  env.Sequence,
			Timestamp: env.Timestamp,
			Routers:   env.Routers,
		},
		Payload: payload,
	}
	msg, err := message.NewError(r.self, "", report, r.src)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to build unroutable report")
		return
	}
	r.send(r.errorSink, msg)
}

func (r *Router) send(dest Handle, msg *message.Message) {
	ep := r.endpoints[dest]
	if err := msg.Send(ep.sock, message.SendOptions{HMACKey: r.opts.HMACKey, Final: true}); err != nil {
		r.stats.Incr(CounterSendError)
		r.log.Warn().Err(err).Str("socket", ep.name).Msg("failed to send router message")
	}
}

// SweepPeers removes peers and expiring rules idle for longer than PeerTTL.
func (r *Router) SweepPeers() {
	now := r.opts.Now()
	r.lastSweep = now
	cutoff := now.Add(-r.opts.PeerTTL)

	if n := r.peers.Sweep(cutoff); n > 0 {
		r.stats.Add(CounterPeerExpired, int64(n))
		r.log.Info().Int("expired", n).Int("remaining", r.peers.Len()).Msg("peer cache swept")
	}
	for _, set := range r.rules {
		if n := set.expire(cutoff); n > 0 {
			r.stats.Add(CounterRuleExpired, int64(n))
		}
	}
	r.updateGauges()
}

// FlushStats emits every counter to the stats sink and metrics, then resets
// them to zero.
func (r *Router) FlushStats() {
	r.lastFlush = r.opts.Now()
	counters := r.stats.Reset()

	for _, name := range sortedNames(counters) {
		value := counters[name]
		if r.opts.Metrics != nil {
			r.opts.Metrics.RecordCounter(name, value)
		}
		if r.statsSink == NoHandle {
			continue
		}
		msg, err := message.NewStat(r.self, message.KindCounter, message.Stat{
			Name:  "router." + name,
			Value: float64(value),
			Tags:  map[string]string{"router": r.self},
		}, r.src)
		if err != nil {
			r.log.Error().Err(err).Str("counter", name).Msg("failed to build stat")
			continue
		}
		r.send(r.statsSink, msg)
	}
	r.updateGauges()
	r.log.Debug().Int("counters", len(counters)).Msg("stats flushed")
}

func (r *Router) updateGauges() {
	if r.opts.Metrics == nil {
		return
	}
	r.opts.Metrics.UpdateState(r.peers.Len(), r.ruleCount(), len(r.endpoints))
}

func (r *Router) ruleCount() int {
	n := 0
	for _, set := range r.rules {
		n += set.len()
	}
	return n
}

// Counter returns the current value of a router counter.
func (r *Router) Counter(name string) int64 {
	return r.stats.Get(name)
}

// Counters returns a copy of all router counters.
func (r *Router) Counters() map[string]int64 {
	return r.stats.Snapshot()
}

// Peers returns the cache used for reply paths. It must only be touched
// from the dispatch goroutine.
func (r *Router) Peers() *PeerCache {
	return r.peers
}

// RouterStatus summarizes a router's state.
type RouterStatus struct {
	ID      string `json:"id"`
	Running bool   `json:"running"`
	Sockets int    `json:"sockets"`
	Rules   int    `json:"rules"`
	Peers   int    `json:"peers"`
}

// Status returns the current router status. Call it from the dispatch
// goroutine or after the loop has stopped.
func (r *Router) Status() RouterStatus {
	r.mu.Lock()
	running := r.started && !r.shutdown && !r.stopped.Load()
	r.mu.Unlock()

	return RouterStatus{
		ID:      r.self,
		Running: running,
		Sockets: len(r.endpoints),
		Rules:   r.ruleCount(),
		Peers:   r.peers.Len(),
	}
}

// Shutdown stops the loop and closes every socket. Broadcast sinks are closed
// last, after ShutdownGrace, so queued messages are not dropped.
func (r *Router) Shutdown() error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil
	}
	r.shutdown = true
	r.mu.Unlock()

	r.Stop()
	r.poller.Close()

	var errs []error
	var deferred []*endpoint
	for _, ep := range r.endpoints {
		if ep.broadcast() {
			deferred = append(deferred, ep)
			continue
		}
		if err := ep.sock.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", ep.name, err))
		}
	}
	if len(deferred) > 0 {
		time.Sleep(r.opts.ShutdownGrace)
		for _, ep := range deferred {
			if err := ep.sock.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", ep.name, err))
			}
		}
	}

	r.poller.Wait()
	r.log.Info().Int("sockets", len(r.endpoints)).Msg("router shut down")
	return errors.Join(errs...)
}
