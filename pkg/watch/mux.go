package watch

import (
	"context"
	"sync"

	"naprelay/pkg/asr"
	"naprelay/pkg/gateway"
	"naprelay/pkg/logger"
	"naprelay/pkg/wire"
)

const eventQueueSize = 64

// Notification tags a normalized record with the subscription that
// produced it.
type Notification struct {
	Subscription int
	Record       *Record
}

type Options struct {
	URL         string
	Token       string
	Transcriber asr.Transcriber
}

// Multiplexer runs one independent watcher per subscription, each with
// its own gateway connection and reconnect cycle, feeding a single
// tagged output channel.
type Multiplexer struct {
	opts    Options
	newConn func(url string) *gateway.Conn

	mu     sync.Mutex
	nextID int
	subs   map[int]*subscription
	out    chan Notification
}

type subscription struct {
	id     int
	cancel context.CancelFunc
	done   chan struct{}
}

func NewMultiplexer(opts Options) *Multiplexer {
	m := &Multiplexer{
		opts:   opts,
		nextID: 1,
		subs:   make(map[int]*subscription),
		out:    make(chan Notification, eventQueueSize),
	}
	m.newConn = func(url string) *gateway.Conn {
		return gateway.NewConn(url, opts.Token)
	}
	return m
}

// Records is the shared output stream for all subscriptions.
func (m *Multiplexer) Records() <-chan Notification {
	return m.out
}

// Subscribe spawns an independent watcher task and returns its
// process-unique id.
func (m *Multiplexer) Subscribe(filter Filter) int {
	m.mu.Lock()
	id := m.nextID
	m.nextID++

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{id: id, cancel: cancel, done: make(chan struct{})}
	m.subs[id] = sub
	m.mu.Unlock()

	if len(filter.IgnorePrefixes) == 0 {
		filter.IgnorePrefixes = DefaultIgnorePrefixes
	}

	url := filter.GatewayURL
	if url == "" {
		url = m.opts.URL
	}
	conn := m.newConn(url)
	normalizer := NewNormalizer(filter, conn, m.opts.Transcriber)
	watcher := &Watcher{id: id, conn: conn, normalizer: normalizer}

	logger.InfoCF("watch", "Subscription started", map[string]interface{}{
		logger.FieldSubID: id,
	})

	go func() {
		defer close(sub.done)
		watcher.Run(ctx, m.out)
	}()

	return id
}

// Unsubscribe cancels the watcher task and waits for it to release its
// connection. Unknown ids are a benign no-op, so a double unsubscribe
// never fails.
func (m *Multiplexer) Unsubscribe(id int) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	sub.cancel()
	<-sub.done
	logger.InfoCF("watch", "Subscription stopped", map[string]interface{}{
		logger.FieldSubID: id,
	})
}

// Close cancels every active subscription and awaits their termination.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = make(map[int]*subscription)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	for _, sub := range subs {
		<-sub.done
	}
}

// Watcher owns one subscription pipeline: a dedicated connection and a
// normalizer, decoupled by a bounded queue so voice materialization
// calls never stall the socket reader.
type Watcher struct {
	id         int
	conn       *gateway.Conn
	normalizer *Normalizer
}

func (w *Watcher) Run(ctx context.Context, out chan<- Notification) {
	events := make(chan *wire.Event, eventQueueSize)
	w.conn.OnEvent(func(event *wire.Event) {
		select {
		case events <- event:
		default:
			// Best-effort delivery: shedding beats stalling the reader.
			logger.WarnCF("watch", "Event queue full, dropping event", map[string]interface{}{
				logger.FieldSubID: w.id,
			})
		}
	})

	// Unsubscribe awaits this function; block until the connection is
	// released so cancellation never leaks a live socket.
	connDone := make(chan struct{})
	go func() {
		defer close(connDone)
		w.conn.Run(ctx)
	}()
	defer func() { <-connDone }()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			record, ok := w.normalizer.Normalize(ctx, event)
			if !ok {
				continue
			}
			select {
			case out <- Notification{Subscription: w.id, Record: record}:
			case <-ctx.Done():
				return
			}
		}
	}
}
