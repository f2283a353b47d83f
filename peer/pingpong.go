package peer

// PingPolicy decides when to send pings and how to react to pongs. It is
// the seam a caller can use to replace the fixed BOLT #1 liveness behavior
// (e.g. adaptive intervals, jittered timeouts) without reaching into
// PeerSession internals.
type PingPolicy interface {
	// NextPing is called when the session's ping timer fires while the
	// session is Ready and no ping is outstanding. It returns the
	// PingMessage to send.
	NextPing() PingMessage

	// OnPong is called when a pong arrives that matches an outstanding
	// ping. elapsed is the round-trip latency.
	OnPong(elapsed int64)

	// Interval returns the duration, in milliseconds, between pings.
	Interval() int64

	// Timeout returns how long, in milliseconds, the session waits for a
	// pong before treating the peer as unresponsive.
	Timeout() int64
}

// defaultPingPolicy implements fixed BOLT #1 behavior: a constant interval,
// a constant timeout, and num_pong_bytes chosen to solicit a
// DefaultPongBytes-byte reply every time.
type defaultPingPolicy struct {
	intervalMs int64
	timeoutMs  int64
	pongBytes  uint16
}

// DefaultPingIntervalMs is the liveness tick period mandated by this spec.
const DefaultPingIntervalMs = int64(30_000)

// DefaultPongBytes is the num_pong_bytes value defaultPingPolicy requests;
// well under PongDeclineThreshold so peers always reply.
const DefaultPongBytes = uint16(1)

// NewDefaultPingPolicy returns the stock fixed-interval, fixed-timeout
// policy used unless a caller supplies its own.
func NewDefaultPingPolicy(intervalMs, timeoutMs int64) PingPolicy {
	if intervalMs <= 0 {
		intervalMs = DefaultPingIntervalMs
	}
	return &defaultPingPolicy{intervalMs: intervalMs, timeoutMs: timeoutMs, pongBytes: DefaultPongBytes}
}

func (p *defaultPingPolicy) NextPing() PingMessage {
	return PingMessage{NumPongBytes: p.pongBytes}
}

func (p *defaultPingPolicy) OnPong(elapsed int64) {}

func (p *defaultPingPolicy) Interval() int64 { return p.intervalMs }

func (p *defaultPingPolicy) Timeout() int64 { return p.timeoutMs }
