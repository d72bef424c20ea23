package notifications

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// DefaultBroadcasterFanoutTimeout bounds the time the broadcaster waits for sinks on shutdown.
const DefaultBroadcasterFanoutTimeout = 15 * time.Second

// Broadcaster fans lifecycle events out to several sinks. Each sink is expected to provide its own reliability, see
// Endpoint.
type Broadcaster struct {
	sinks []Sink

	eventsCh chan *Event
	doneCh   chan struct{}

	fanoutTimeout time.Duration

	wg *sync.WaitGroup
}

// NewBroadcaster starts a Broadcaster writing every event to all sinks.
func NewBroadcaster(fanoutTimeout time.Duration, sinks ...Sink) *Broadcaster {
	if fanoutTimeout == 0 {
		fanoutTimeout = DefaultBroadcasterFanoutTimeout
	}
	b := &Broadcaster{
		sinks:         sinks,
		eventsCh:      make(chan *Event),
		doneCh:        make(chan struct{}),
		fanoutTimeout: fanoutTimeout,
		wg:            new(sync.WaitGroup),
	}

	b.wg.Add(1)
	go b.run()

	return b
}

// Write hands event to the broadcast loop. It only fails once the broadcaster is closed. The event must not be
// modified afterwards.
func (b *Broadcaster) Write(event *Event) error {
	// closing takes priority over a ready events channel
	select {
	case <-b.doneCh:
		return ErrSinkClosed
	default:
	}

	select {
	case b.eventsCh <- event:
		return nil
	case <-b.doneCh:
		return ErrSinkClosed
	}
}

// Close stops the broadcaster, then closes every sink.
func (b *Broadcaster) Close() error {
	log.Info("broadcaster: closing")
	select {
	case <-b.doneCh:
		return fmt.Errorf("broadcaster: already closed")
	default:
		close(b.doneCh)
	}

	b.wg.Wait()

	var errs *multierror.Error
	for _, sink := range b.sinks {
		if err := sink.Close(); err != nil {
			errs = multierror.Append(errs, err)
			log.WithError(err).Errorf("broadcaster: error closing sink %v", sink)
		}
	}

	log.Debug("broadcaster: closed")
	return errs.ErrorOrNil()
}

// run writes each event to all sinks concurrently and waits for them before taking the next one. Once closed, it
// waits up to the fanout timeout for the writes in progress.
func (b *Broadcaster) run() {
	defer b.wg.Done()

	for {
		select {
		case <-b.doneCh:
			return
		case event := <-b.eventsCh:
			if len(b.sinks) == 0 {
				log.WithField("event_id", event.ID).Debug("broadcaster: no sinks configured, dropping event")
				continue
			}
			if !b.fanout(event) {
				return
			}
		}
	}
}

// fanout writes event to every sink. It returns false if the broadcaster was closed before all writes completed.
func (b *Broadcaster) fanout(event *Event) bool {
	pending := len(b.sinks)
	finishedCh := make(chan struct{}, pending)

	for _, sink := range b.sinks {
		go func(sink Sink) {
			if err := sink.Write(event); err != nil {
				log.WithError(err).WithField("event_id", event.ID).
					Errorf("broadcaster: error writing event to %v, event lost", sink)
			}
			finishedCh <- struct{}{}
		}(sink)
	}

	for pending > 0 {
		select {
		case <-finishedCh:
			pending--
		case <-b.doneCh:
			log.WithField("sinks_remaining", pending).Warn("broadcaster: received termination signal")
			timer := time.NewTimer(b.fanoutTimeout)
			defer timer.Stop()

			for pending > 0 {
				select {
				case <-finishedCh:
					pending--
				case <-timer.C:
					log.WithField("sinks_remaining", pending).
						Warn("broadcaster: fanout timeout reached, sink writes dropped")
					return false
				}
			}
			return false
		}
	}
	return true
}

// eventQueue buffers events for asynchronous delivery to a sink. Once it holds maxQueueSize events, new events are
// dropped.
type eventQueue struct {
	sink      Sink
	listeners []eventQueueListener

	doneCh chan struct{}

	bufferInCh  chan *Event
	bufferOutCh chan *Event

	queuePurgeTimeout time.Duration

	wgBufferer *sync.WaitGroup
	wgSender   *sync.WaitGroup

	maxQueueSize int
}

// eventQueueListener is notified of events entering, leaving or being dropped by the queue.
type eventQueueListener interface {
	ingress(event *Event)
	egress(event *Event)
	drop(event *Event)
}

func newEventQueue(sink Sink, queuePurgeTimeout time.Duration, maxQueueSize int, listeners ...eventQueueListener) *eventQueue {
	eq := &eventQueue{
		sink:              sink,
		listeners:         listeners,
		doneCh:            make(chan struct{}),
		bufferInCh:        make(chan *Event),
		bufferOutCh:       make(chan *Event),
		queuePurgeTimeout: queuePurgeTimeout,
		wgBufferer:        new(sync.WaitGroup),
		wgSender:          new(sync.WaitGroup),
		maxQueueSize:      maxQueueSize,
	}

	eq.wgSender.Add(1)
	eq.wgBufferer.Add(1)

	go eq.sender()
	go eq.bufferer()
	return eq
}

// Write queues event. It only fails once the queue is closed.
func (eq *eventQueue) Write(event *Event) error {
	select {
	case <-eq.doneCh:
		return ErrSinkClosed
	default:
	}

	select {
	case eq.bufferInCh <- event:
		return nil
	case <-eq.doneCh:
		return ErrSinkClosed
	}
}

func (eq *eventQueue) accept(events *list.List, event *Event) {
	for _, listener := range eq.listeners {
		listener.ingress(event)
	}
	if events.Len() < eq.maxQueueSize {
		events.PushBack(event)
		return
	}

	for _, listener := range eq.listeners {
		listener.drop(event)
	}
	log.WithFields(log.Fields{"queue_size": events.Len(), "event_id": event.ID}).Warn("eventqueue: queue full, dropping event")
}

// bufferer moves events from writers to the sender, holding them while the sender is busy.
func (eq *eventQueue) bufferer() {
	defer eq.wgBufferer.Done()
	defer log.Debug("eventqueue bufferer: closed")

	events := list.New()

run:
	for {
		if events.Len() == 0 {
			select {
			case event := <-eq.bufferInCh:
				eq.accept(events, event)
			case <-eq.doneCh:
				break run
			}
			continue
		}

		front := events.Front()
		select {
		case event := <-eq.bufferInCh:
			eq.accept(events, event)
		case eq.bufferOutCh <- front.Value.(*Event):
			events.Remove(front)
		case <-eq.doneCh:
			break run
		}
	}

	log.WithField("remaining_events", events.Len()).Warn("eventqueue: received termination signal")

	// deliver what is left while the purge timeout allows
	timer := time.NewTimer(eq.queuePurgeTimeout)
	defer timer.Stop()
purge:
	for events.Len() > 0 {
		front := events.Front()
		select {
		case eq.bufferOutCh <- front.Value.(*Event):
			events.Remove(front)
		case <-timer.C:
			break purge
		}
	}

	close(eq.bufferOutCh)

	for e := events.Front(); e != nil; e = e.Next() {
		log.WithField("event_id", e.Value.(*Event).ID).Warn("eventqueue: event lost")
	}
}

func (eq *eventQueue) sender() {
	defer eq.wgSender.Done()
	defer log.Debug("eventqueue sender: closed")

	for event := range eq.bufferOutCh {
		if err := eq.sink.Write(event); err != nil {
			log.WithError(err).WithField("event_id", event.ID).Warn("eventqueue: event lost")
		}

		for _, listener := range eq.listeners {
			listener.egress(event)
		}
	}
}

// Close stops accepting events, flushes the buffered ones within the purge timeout and closes the sink.
func (eq *eventQueue) Close() error {
	log.Info("eventqueue: closing")
	select {
	case <-eq.doneCh:
		return fmt.Errorf("eventqueue: already closed")
	default:
		close(eq.doneCh)
	}

	// The bufferer must stop taking events before the sink is closed, and the sink must be closed to unblock a
	// sender stuck in a retry.
	eq.wgBufferer.Wait()
	err := eq.sink.Close()
	eq.wgSender.Wait()

	return err
}

// ignoredSink discards events with ignored actions and passes the rest along.
type ignoredSink struct {
	Sink
	ignoreActions map[string]bool
}

func newIgnoredSink(sink Sink, ignoreActions []string) Sink {
	if len(ignoreActions) == 0 {
		return sink
	}

	ignored := make(map[string]bool, len(ignoreActions))
	for _, action := range ignoreActions {
		ignored[action] = true
	}

	return &ignoredSink{
		Sink:          sink,
		ignoreActions: ignored,
	}
}

// Write discards an event with an ignored action or passes the event along.
func (is *ignoredSink) Write(event *Event) error {
	if event == nil || is.ignoreActions[event.Action] {
		return nil
	}

	return is.Sink.Write(event)
}

// deliveryListener is notified of the outcome of each delivery, with the number of retries it took.
type deliveryListener interface {
	eventDelivered(retriesCount int64)
	eventLost(retriesCount int64)
}

// backoffSink writes events to sink, retrying failed writes with an exponential backoff up to maxRetries times
// before dropping the event.
type backoffSink struct {
	doneCh  chan struct{}
	sink    Sink
	backoff func() backoff.BackOff

	listeners []deliveryListener
}

func newBackoffSink(sink Sink, initialInterval time.Duration, maxRetries int, listeners ...deliveryListener) *backoffSink {
	return &backoffSink{
		doneCh: make(chan struct{}),
		sink:   sink,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff(backoff.WithInitialInterval(initialInterval))
			// nolint: gosec // maxRetries is validated as positive
			return backoff.WithMaxRetries(b, uint64(maxRetries))
		},
		listeners: listeners,
	}
}

// Write delivers event, retrying on failure. It gives up early once the sink is closed.
func (bs *backoffSink) Write(event *Event) error {
	var attempts int64

	op := func() error {
		attempts++

		select {
		case <-bs.doneCh:
			return backoff.Permanent(ErrSinkClosed)
		default:
		}

		if err := bs.sink.Write(event); err != nil {
			log.WithError(err).WithField("attempt", attempts).Error("backoffSink: error writing event")
			return err
		}
		return nil
	}

	if err := backoff.Retry(op, bs.backoff()); err != nil {
		for _, listener := range bs.listeners {
			listener.eventLost(attempts - 1)
		}
		return err
	}

	for _, listener := range bs.listeners {
		listener.eventDelivered(attempts - 1)
	}
	return nil
}

// Close closes the sink and the underlying sink.
func (bs *backoffSink) Close() error {
	log.Info("backoffSink: closing")
	select {
	case <-bs.doneCh:
		return fmt.Errorf("backoffSink: already closed")
	default:
		close(bs.doneCh)
	}

	return bs.sink.Close()
}
