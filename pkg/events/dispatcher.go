package events

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	pkgerrors "callsignal-server/pkg/errors"
	"callsignal-server/pkg/metrics"
)

// Broadcaster is the broadcast side channel: it receives the resolved
// delivery set alongside the event. The actual transport is the
// collaborator's responsibility. A Broadcast error fails the dispatch
// attempt and enters the retry ladder.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg *BroadcastMessage) error
}

// EventSink receives dispatched envelopes for best-effort persistence.
// Sink failures are logged and swallowed, never retried.
type EventSink interface {
	Store(ctx context.Context, entry *EventLog) error
}

// DispatcherConfig holds dispatch tuning. Zero values take the defaults.
type DispatcherConfig struct {
	// RetryDelays is the backoff ladder; its length is the retry budget.
	RetryDelays []time.Duration

	// SweepInterval is the cadence of the background sweep that processes
	// deferred and retrying envelopes.
	SweepInterval time.Duration

	// SinkTimeout bounds each durable sink write.
	SinkTimeout time.Duration
}

// DefaultDispatcherConfig returns the default retry ladder and sweep cadence.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		RetryDelays:   []time.Duration{1 * time.Second, 3 * time.Second, 10 * time.Second, 30 * time.Second},
		SweepInterval: 1 * time.Second,
		SinkTimeout:   5 * time.Second,
	}
}

// retryItem schedules one envelope re-processing at a fire time.
type retryItem struct {
	fireAt time.Time
	id     string
}

// retryHeap is a min-heap of retryItems keyed by fire time, polled by the
// sweep instead of one timer per retry.
type retryHeap []retryItem

func (h retryHeap) Len() int            { return len(h) }
func (h retryHeap) Less(i, j int) bool  { return h[i].fireAt.Before(h[j].fireAt) }
func (h retryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *retryHeap) Push(x interface{}) { *h = append(*h, x.(retryItem)) }
func (h *retryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Dispatcher accepts produced events, sequences them by priority, resolves
// matching subscribers, invokes delivery, and manages retry with backoff.
// Emit is safe for concurrent use; the queue is the single point of
// concurrency coordination.
type Dispatcher struct {
	logger       *logrus.Entry
	config       DispatcherConfig
	registry     *Registry
	broadcasters []Broadcaster
	sink         EventSink
	bus          EventBus.Bus
	validate     *validator.Validate

	mu      sync.Mutex
	queue   map[string]*EventLog
	retries retryHeap
	running bool

	processedTotal int64
	failedTotal    int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DispatcherStats is a read-only snapshot for operational dashboards.
type DispatcherStats struct {
	QueueDepth      int            `json:"queue_depth"`
	Pending         int            `json:"pending"`
	Retrying        int            `json:"retrying"`
	Processed       int64          `json:"processed"`
	Failed          int64          `json:"failed"`
	Subscriptions   int            `json:"subscriptions"`
	RoomSubscribers map[string]int `json:"room_subscribers"`
}

// NewDispatcher creates a dispatcher over the given registry. A nil sink
// disables durable mirroring; broadcasters may be empty.
func NewDispatcher(logger *logrus.Logger, config DispatcherConfig, registry *Registry, sink EventSink, broadcasters ...Broadcaster) *Dispatcher {
	def := DefaultDispatcherConfig()
	if len(config.RetryDelays) == 0 {
		config.RetryDelays = def.RetryDelays
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = def.SweepInterval
	}
	if config.SinkTimeout <= 0 {
		config.SinkTimeout = def.SinkTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		logger:       logger.WithField("component", "event_dispatcher"),
		config:       config,
		registry:     registry,
		broadcasters: broadcasters,
		sink:         sink,
		bus:          EventBus.New(),
		validate:     validator.New(),
		queue:        make(map[string]*EventLog),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// AddBroadcaster attaches another broadcast side channel. Must be called
// before Start.
func (d *Dispatcher) AddBroadcaster(b Broadcaster) {
	d.broadcasters = append(d.broadcasters, b)
}

// Start launches the background sweep.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	d.running = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.sweepLoop()
	d.logger.WithField("sweep_interval", d.config.SweepInterval).Info("Event dispatcher started")
}

// Stop cancels the sweep and waits for it to drain.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	d.logger.Info("Event dispatcher stopped")
}

// Running reports whether the background sweep is active.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// RegisterListener registers a local handler for one event type. Handlers
// are invoked synchronously during dispatch, in registration order.
func (d *Dispatcher) RegisterListener(eventType string, handler func(Event)) error {
	return d.bus.Subscribe(eventType, handler)
}

// Emit validates the event data, wraps it in a pending envelope, and
// enqueues it. High and critical priorities are processed synchronously
// before returning; low and medium wait for the sweep. Returns the
// envelope id.
func (d *Dispatcher) Emit(data EventData, room string, priority Priority) (string, error) {
	if priority == "" {
		priority = PriorityMedium
	}
	if !priority.valid() {
		return "", pkgerrors.NewInvalidEvent(fmt.Sprintf("unknown priority %q", priority))
	}
	if err := d.validate.Struct(data); err != nil {
		return "", pkgerrors.NewInvalidEvent("event type is required", map[string]interface{}{
			"validation": err.Error(),
		})
	}

	entry := &EventLog{
		ID: uuid.NewString(),
		Event: Event{
			ID:             uuid.NewString(),
			Type:           data.Type,
			Timestamp:      time.Now(),
			OrganizationID: data.OrganizationID,
			UserID:         data.UserID,
			Payload:        data.Payload,
		},
		Room:      room,
		Status:    StatusPending,
		Priority:  priority,
		CreatedAt: time.Now(),
	}

	d.mu.Lock()
	d.queue[entry.ID] = entry
	depth := len(d.queue)
	d.mu.Unlock()

	metrics.RecordEmit(data.Type, string(priority))
	metrics.SetQueueDepth(depth)

	d.logger.WithFields(logrus.Fields{
		"event_id":   entry.Event.ID,
		"event_type": data.Type,
		"priority":   priority,
		"room":       room,
	}).Debug("Event enqueued")

	if priority.synchronous() {
		d.process(entry.ID)
	}

	return entry.ID, nil
}

// sweepLoop runs the periodic sweep: promote due retries, then process all
// pending envelopes in priority order. This bounds the latency of deferred
// low/medium events to one sweep interval.
func (d *Dispatcher) sweepLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.Sweep()
		}
	}
}

// Sweep performs one sweep pass. Exported so callers with their own
// scheduling (and tests) can drive the queue directly.
func (d *Dispatcher) Sweep() {
	now := time.Now()

	d.mu.Lock()
	for len(d.retries) > 0 && !d.retries[0].fireAt.After(now) {
		item := heap.Pop(&d.retries).(retryItem)
		if entry, ok := d.queue[item.id]; ok && entry.Status == StatusRetrying {
			entry.Status = StatusPending
		}
	}

	var due []*EventLog
	for _, entry := range d.queue {
		if entry.Status == StatusPending {
			due = append(due, entry)
		}
	}
	d.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Priority.rank() != due[j].Priority.rank() {
			return due[i].Priority.rank() > due[j].Priority.rank()
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})

	for _, entry := range due {
		d.process(entry.ID)
	}
}

// process runs one dispatch attempt for the envelope with the given id.
// The pending->processing transition under the queue lock is the re-entry
// guard: a sweep can never pick up an envelope already mid-flight.
func (d *Dispatcher) process(id string) {
	d.mu.Lock()
	entry, ok := d.queue[id]
	if !ok || entry.Status != StatusPending {
		d.mu.Unlock()
		return
	}
	entry.Status = StatusProcessing
	d.mu.Unlock()

	err := d.deliver(entry)
	if err != nil {
		d.handleFailure(entry, err)
		return
	}

	d.mu.Lock()
	entry.Status = StatusCompleted
	entry.ProcessedAt = time.Now()
	entry.Error = ""
	delete(d.queue, id)
	depth := len(d.queue)
	d.processedTotal++
	d.mu.Unlock()

	metrics.SetQueueDepth(depth)
	metrics.RecordDispatched(entry.Event.Type, string(entry.Priority), time.Since(entry.CreatedAt))

	d.mirror(entry)
}

// deliver resolves subscribers and invokes local listeners plus the
// broadcast side effect. A panic anywhere in resolution or broadcast is
// converted into a dispatch error and enters the retry ladder.
func (d *Dispatcher) deliver(entry *EventLog) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = pkgerrors.New(fmt.Sprintf("dispatch panic: %v", r))
		}
	}()

	subscribers := d.registry.Match(entry.Event, entry.Room)

	// Entry and Stats copy envelopes under the queue lock; the resolved
	// subscriber list joins the envelope under the same lock.
	d.mu.Lock()
	entry.Subscribers = subscribers
	d.mu.Unlock()

	d.bus.Publish(entry.Event.Type, entry.Event)

	msg := &BroadcastMessage{
		Event:       entry.Event,
		Room:        entry.Room,
		Subscribers: subscribers,
	}
	for _, b := range d.broadcasters {
		if berr := b.Broadcast(d.ctx, msg); berr != nil {
			return pkgerrors.Wrap(berr, "broadcast failed")
		}
	}

	return nil
}

// handleFailure marks the envelope failed and either schedules a retry on
// the backoff ladder or, once the budget is exhausted, evicts it as a
// permanent failure. Terminal failures are logged, never raised back to the
// emit caller.
func (d *Dispatcher) handleFailure(entry *EventLog, err error) {
	d.mu.Lock()
	entry.Error = err.Error()

	if entry.RetryCount >= len(d.config.RetryDelays) {
		failure := pkgerrors.NewDispatchFailed(err, entry.Event.Type)
		entry.Error = failure.Error()
		entry.Status = StatusFailed
		delete(d.queue, entry.ID)
		depth := len(d.queue)
		d.failedTotal++
		d.mu.Unlock()

		metrics.SetQueueDepth(depth)
		metrics.RecordDispatchFailure(entry.Event.Type, true)

		d.logger.WithError(failure).WithFields(logrus.Fields{
			"event_id":    entry.Event.ID,
			"event_type":  entry.Event.Type,
			"retry_count": entry.RetryCount,
		}).Error("Event dispatch permanently failed")
		return
	}

	delay := d.config.RetryDelays[entry.RetryCount]
	entry.RetryCount++
	entry.Status = StatusRetrying
	heap.Push(&d.retries, retryItem{fireAt: time.Now().Add(delay), id: entry.ID})
	d.mu.Unlock()

	metrics.RecordDispatchFailure(entry.Event.Type, false)
	metrics.RecordRetry(entry.Event.Type)

	d.logger.WithError(err).WithFields(logrus.Fields{
		"event_id":    entry.Event.ID,
		"event_type":  entry.Event.Type,
		"retry_count": entry.RetryCount,
		"retry_delay": delay,
	}).Warn("Event dispatch failed, retry scheduled")
}

// mirror forwards the dispatched envelope to the durable sink on a
// detached goroutine. Failures are logged and swallowed: persistence is
// advisory, not part of the delivery guarantee.
func (d *Dispatcher) mirror(entry *EventLog) {
	if d.sink == nil {
		return
	}

	snapshot := *entry
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.WithField("panic", r).Warn("Event sink write panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), d.config.SinkTimeout)
		defer cancel()

		if err := d.sink.Store(ctx, &snapshot); err != nil {
			d.logger.WithError(err).WithFields(logrus.Fields{
				"event_id":   snapshot.Event.ID,
				"event_type": snapshot.Event.Type,
			}).Warn("Failed to persist event log")
		}
	}()
}

// Entry returns a copy of a live envelope, if still queued.
func (d *Dispatcher) Entry(id string) (EventLog, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.queue[id]
	if !ok {
		return EventLog{}, false
	}
	return *entry, true
}

// Stats returns a read-only snapshot of dispatcher state.
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	stats := DispatcherStats{
		QueueDepth: len(d.queue),
		Processed:  d.processedTotal,
		Failed:     d.failedTotal,
	}
	for _, entry := range d.queue {
		switch entry.Status {
		case StatusPending:
			stats.Pending++
		case StatusRetrying:
			stats.Retrying++
		}
	}
	d.mu.Unlock()

	stats.Subscriptions = d.registry.Count()
	stats.RoomSubscribers = d.registry.RoomCounts()
	return stats
}
