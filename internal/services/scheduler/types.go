package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "grovebot/pkg/logx"
)

// Config controls the scheduler service.
type Config struct {
	Workers        int
	DefaultTimeout time.Duration
	HistorySize    int
	Timezone       string // IANA TZ, e.g. "Europe/Dublin"
	RetryMax       int    // max retries per job run (default 2)
}

// OverlapPolicy decides what happens when a tick fires while the
// previous run of the same job is still in flight.
type OverlapPolicy int

const (
	// OverlapSkipIfRunning drops the tick. This is the default: a job
	// body must never overlap itself.
	OverlapSkipIfRunning OverlapPolicy = iota
	OverlapAllow
)

type JobOptions struct {
	Overlap       OverlapPolicy
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (o JobOptions) withDefaults(cfg Config) JobOptions {
	if o.RetryMax <= 0 {
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryMax < 0 {
		o.RetryMax = 0
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	return o
}

// runState serializes runs of one schedule. A tick claims it before
// enqueueing, so a backed-up queue can never hold two runs of the same
// job; the claim is released only after the body returns.
type runState struct {
	mu      sync.Mutex
	claimed bool
}

func (st *runState) claim() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.claimed {
		return false
	}
	st.claimed = true
	return true
}

func (st *runState) release() {
	st.mu.Lock()
	st.claimed = false
	st.mu.Unlock()
}

// HistoryItem records one finished job run (ring buffer, newest last).
type HistoryItem struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

type task struct {
	name    string
	timeout time.Duration
	run     func(ctx context.Context) error
	opt     JobOptions
	state   *runState
}

type scheduleDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     func(ctx context.Context) error
	entryID cron.EntryID
	opt     JobOptions
	state   *runState
}

// Service drives recurring jobs from cron specs plus one-shot absolute
// timers. Job bodies run on a small worker pool; a body that fails is
// retried with jittered backoff and never unschedules future ticks.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	queue  chan task
	stopCh chan struct{}
	// stopDone is non-nil while a Stop() is in progress; it is closed
	// when the workers fully exit.
	stopDone chan struct{}

	// one-time timers: timers are runtime state, onceAt/onceTimeout/
	// onceJob are the persistent definitions rebuilt across Stop/Start.
	tmu         sync.Mutex
	timers      map[string]*time.Timer
	onceAt      map[string]time.Time
	onceTimeout map[string]time.Duration
	onceJob     map[string]func(ctx context.Context) error
	onceVer     map[string]uint64

	hmu     sync.Mutex
	history []HistoryItem

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}
