package dvs

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/banshee-data/eventcam/internal/timeutil"
)

// LoopState is the observable phase of a SessionLoop.
type LoopState int32

const (
	// LoopIdle means Run has not been called yet.
	LoopIdle LoopState = iota
	// LoopInitializing covers open, configuration and data-transfer start.
	LoopInitializing
	// LoopRunning is the fetch-decode-dispatch cycle.
	LoopRunning
	// LoopDraining means the cycle has exited and the device is being
	// stopped and released.
	LoopDraining
	// LoopTerminated means the device has been released. Terminal.
	LoopTerminated
)

func (s LoopState) String() string {
	switch s {
	case LoopIdle:
		return "idle"
	case LoopInitializing:
		return "initializing"
	case LoopRunning:
		return "running"
	case LoopDraining:
		return "draining"
	case LoopTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("loop-state(%d)", int32(s))
	}
}

// Consumer receives the decoded events of each container, in arrival order.
// HandleEvents is called from the loop goroutine, one container at a time; a
// returned error is fatal and terminates the loop.
type Consumer interface {
	HandleEvents(polarity []PolarityEvent, special []SpecialEvent) error
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc func(polarity []PolarityEvent, special []SpecialEvent) error

func (f ConsumerFunc) HandleEvents(polarity []PolarityEvent, special []SpecialEvent) error {
	return f(polarity, special)
}

// MultiConsumer dispatches each container's events to every consumer in
// order, stopping at the first error.
type MultiConsumer []Consumer

func (m MultiConsumer) HandleEvents(polarity []PolarityEvent, special []SpecialEvent) error {
	for _, c := range m {
		if err := c.HandleEvents(polarity, special); err != nil {
			return err
		}
	}
	return nil
}

// LoopOptions configures a SessionLoop run.
type LoopOptions struct {
	// Open restricts which device the loop binds to.
	Open OpenOptions

	// Blocking selects blocking data exchange: fetches park until data
	// arrives instead of polling.
	Blocking bool

	// ContainerInterval sets the device's container accumulation interval.
	// Zero keeps the device default.
	ContainerInterval time.Duration

	// MaxPacketSize caps events per packet on the device. Zero keeps the
	// device default.
	MaxPacketSize uint32

	// IdlePoll is the wait between empty fetches in non-blocking mode.
	// Zero means 1ms.
	IdlePoll time.Duration

	// Clock, when set, replaces the real clock for idle waits.
	Clock timeutil.Clock
}

const defaultIdlePoll = time.Millisecond

// SessionLoop drives one device session from open to release: it applies
// configuration, starts data transfer, then fetches, decodes and dispatches
// containers until the context is cancelled or a fatal error occurs, and
// finally stops and closes the device. One loop per device session; Run may
// be called once.
type SessionLoop struct {
	session  *Session
	consumer Consumer
	opts     LoopOptions
	clock    timeutil.Clock

	state      atomic.Int32
	containers atomic.Int64
	events     atomic.Int64
}

// NewSessionLoop builds a loop around session, dispatching decoded events to
// consumer. The consumer must be non-nil.
func NewSessionLoop(session *Session, consumer Consumer, opts LoopOptions) *SessionLoop {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SessionLoop{
		session:  session,
		consumer: consumer,
		opts:     opts,
		clock:    clock,
	}
}

// State returns the loop's current phase. Safe from any goroutine.
func (l *SessionLoop) State() LoopState {
	return LoopState(l.state.Load())
}

// Info reports the device description, available once initialization has
// opened the device.
func (l *SessionLoop) Info() (DeviceInfo, error) {
	return l.session.Info()
}

// Containers returns the number of containers dispatched so far.
func (l *SessionLoop) Containers() int64 {
	return l.containers.Load()
}

// Events returns the number of events dispatched so far.
func (l *SessionLoop) Events() int64 {
	return l.events.Load()
}

// Run executes the full session lifecycle and blocks until the device has
// been released. Cancelling ctx is the normal way to stop: the device is
// stopped (waking any blocked fetch), drained and closed, and Run returns
// ctx.Err(). Initialization failures and consumer errors also terminate the
// run, with the device released before Run returns.
func (l *SessionLoop) Run(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(LoopIdle), int32(LoopInitializing)) {
		return fmt.Errorf("session loop already started (state %s)", l.State())
	}

	if err := l.initialize(); err != nil {
		// Release whatever the partial init acquired. Close is idempotent
		// and tolerates a never-opened session.
		l.session.Close()
		l.state.Store(int32(LoopTerminated))
		return err
	}

	// The watcher turns context cancellation into a device stop, which is
	// what actually wakes a fetch parked in blocking exchange mode.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.session.StopDataTransfer()
		case <-watchDone:
		}
	}()

	l.state.Store(int32(LoopRunning))
	fatal := l.run(ctx)
	close(watchDone)

	l.state.Store(int32(LoopDraining))
	l.session.StopDataTransfer()
	l.session.Close()
	l.state.Store(int32(LoopTerminated))

	if fatal != nil {
		return fatal
	}
	return ctx.Err()
}

// initialize walks the device through open → configure → start, in the strict
// order the hardware requires.
func (l *SessionLoop) initialize() error {
	if err := l.session.Open(l.opts.Open); err != nil {
		return err
	}

	if info, err := l.session.Info(); err == nil {
		Logf("dvs: opened %s (serial %s, %dx%d, master=%t)",
			info.DeviceString, info.SerialNumber, info.SizeX, info.SizeY, info.Master)
	}

	if err := l.session.SendDefaultConfig(); err != nil {
		return err
	}

	blocking := uint32(0)
	if l.opts.Blocking {
		blocking = 1
	}
	if err := l.session.ConfigSet(ConfigDataExchangeBlocking, blocking); err != nil {
		return err
	}
	if l.opts.ContainerInterval > 0 {
		if err := l.session.ConfigSet(ConfigContainerInterval, uint32(l.opts.ContainerInterval.Microseconds())); err != nil {
			return err
		}
	}
	if l.opts.MaxPacketSize > 0 {
		if err := l.session.ConfigSet(ConfigContainerMaxPacketSize, l.opts.MaxPacketSize); err != nil {
			return err
		}
	}

	return l.session.StartDataTransfer()
}

// run is the fetch-decode-dispatch cycle. It returns nil when the stream
// ends (cancellation or external stop) and the fatal error otherwise.
func (l *SessionLoop) run(ctx context.Context) error {
	idle := l.opts.IdlePoll
	if idle <= 0 {
		idle = defaultIdlePoll
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		container, err := l.session.FetchContainer()
		if err != nil {
			return err
		}
		if container == nil {
			// No data distinguishes three cases: cancellation raced the
			// fetch, the stream was stopped under us, or (non-blocking
			// mode) the device simply has nothing yet.
			if ctx.Err() != nil || !l.session.Streaming() {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-l.clock.After(idle):
			}
			continue
		}

		polarity, special := DecodeContainer(container)
		l.containers.Add(1)
		l.events.Add(int64(len(polarity) + len(special)))

		if err := l.consumer.HandleEvents(polarity, special); err != nil {
			return fmt.Errorf("event consumer: %w", err)
		}
	}
}
