package stash

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Environment variables emulating slower storage than the backend actually
// offers. Useful for testing callers against high-latency/low-bandwidth
// remotes without having one.
const (
	// EnvLatency is extra latency per operation, in microseconds.
	EnvLatency = "BORGSTORE_LATENCY"

	// EnvBandwidth caps the data rate of load/store, in bits per second.
	EnvBandwidth = "BORGSTORE_BANDWIDTH"
)

// OpStats aggregates one operation's counters.
type OpStats struct {
	Calls  int64
	Time   time.Duration
	Volume int64
}

// Stats is a point-in-time copy of a Store's counters.
//
// The values only cover what is seen on the Store API: time spent by the
// caller outside the Store is not included, and emulated latency/bandwidth
// waits are. Throughput is bytes per second of Store-side wall time; write
// buffering or cached reads may make it look better than the wire.
type Stats struct {
	Ops             map[string]OpStats
	OpenCycles      int64
	LoadThroughput  float64
	StoreThroughput float64
}

// statOps are always present in a snapshot, even when never called.
var statOps = []string{"info", "load", "store", "delete", "move", "list"}

type stats struct {
	mu     sync.Mutex
	ops    map[string]*OpStats
	cycles int64
}

func newStats() *stats {
	return &stats{ops: make(map[string]*OpStats)}
}

func (s *stats) record(op string, d time.Duration, volume int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ops[op]
	if st == nil {
		st = &OpStats{}
		s.ops[op] = st
	}
	st.Calls++
	st.Time += d
	st.Volume += volume
}

func (s *stats) openCycle() {
	s.mu.Lock()
	s.cycles++
	s.mu.Unlock()
}

func (s *stats) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Stats{Ops: make(map[string]OpStats, len(s.ops)), OpenCycles: s.cycles}
	for op, st := range s.ops {
		snap.Ops[op] = *st
	}
	for _, op := range statOps {
		if _, ok := snap.Ops[op]; !ok {
			snap.Ops[op] = OpStats{}
		}
	}
	snap.LoadThroughput = throughput(snap.Ops["load"])
	snap.StoreThroughput = throughput(snap.Ops["store"])
	return snap
}

func throughput(st OpStats) float64 {
	if st.Time <= 0 {
		return 0
	}
	return float64(st.Volume) / st.Time.Seconds()
}

// Stats returns a snapshot of the call counters.
func (s *Store) Stats() Stats {
	return s.stats.snapshot()
}

// finish applies the latency/bandwidth emulation, records the operation's
// counters and emits the per-operation DEBUG record. Deferred by every public
// Store operation.
func (s *Store) finish(ctx context.Context, op, name string, start time.Time, volume int64) {
	if s.latency > 0 && op != "list" {
		// The recursive listing sleeps once per directory instead.
		if remaining := s.latency - time.Since(start); remaining > 0 {
			time.Sleep(remaining)
		}
	}
	if s.throttle != nil && volume > 0 {
		s.throttle.wait(ctx, volume)
	}
	elapsed := time.Since(start)
	s.stats.record(op, elapsed, volume)
	if ce := s.log.Check(zap.DebugLevel, op); ce != nil {
		ce.Write(
			zap.String("name", name),
			zap.Int64("bytes", volume),
			zap.Duration("elapsed", elapsed),
		)
	}
}

func latencyFromEnv() time.Duration {
	us, err := strconv.ParseUint(os.Getenv(EnvLatency), 10, 64)
	if err != nil {
		return 0
	}
	return time.Duration(us) * time.Microsecond
}

// throttle paces data-bearing operations with a token bucket holding one
// token per byte.
type throttle struct {
	limiter *rate.Limiter
	burst   int
}

func throttleFromEnv() *throttle {
	bits, err := strconv.ParseUint(os.Getenv(EnvBandwidth), 10, 64)
	if err != nil || bits == 0 {
		return nil
	}
	bytesPerSec := bits / 8
	if bytesPerSec == 0 {
		bytesPerSec = 1
	}
	burst := int(bytesPerSec)
	return &throttle{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		burst:   burst,
	}
}

// wait blocks until volume bytes worth of tokens are available. Values larger
// than the burst are drained in burst-sized chunks.
func (t *throttle) wait(ctx context.Context, volume int64) {
	for volume > 0 {
		n := volume
		if n > int64(t.burst) {
			n = int64(t.burst)
		}
		if err := t.limiter.WaitN(ctx, int(n)); err != nil {
			return
		}
		volume -= n
	}
}
