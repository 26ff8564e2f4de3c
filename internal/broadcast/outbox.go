package broadcast

import (
	"log"
	"sync"

	"github.com/sation/messenger/internal/metrics"
)

// DefaultOutboxSize is the per-connection queue depth.
const DefaultOutboxSize = 256

// Sender writes one frame to a connection. *ws.Server satisfies it.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

type outbox struct {
	queue chan []byte
	done  chan struct{}
}

// Outboxes owns one bounded FIFO and writer goroutine per open connection.
// Frames are written in enqueue order; a full queue drops the frame.
type Outboxes struct {
	mu     sync.RWMutex
	boxes  map[string]*outbox
	sender Sender
	size   int
	wg     sync.WaitGroup
}

// NewOutboxes creates an Outboxes writing through sender. A size <= 0 uses
// DefaultOutboxSize.
func NewOutboxes(sender Sender, size int) *Outboxes {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	return &Outboxes{
		boxes:  make(map[string]*outbox),
		sender: sender,
		size:   size,
	}
}

// SetSender assigns the sender. It supports wiring where the transport is
// built after the broadcaster and must be called before Open.
func (o *Outboxes) SetSender(sender Sender) {
	o.sender = sender
}

// Open starts the writer for connID. Opening an open connection is a no-op.
func (o *Outboxes) Open(connID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.boxes[connID]; ok {
		return
	}
	box := &outbox{queue: make(chan []byte, o.size), done: make(chan struct{})}
	o.boxes[connID] = box

	o.wg.Add(1)
	go o.run(connID, box)
}

// Close stops the writer for connID and discards anything still queued.
func (o *Outboxes) Close(connID string) {
	o.mu.Lock()
	box, ok := o.boxes[connID]
	delete(o.boxes, connID)
	o.mu.Unlock()

	if ok {
		close(box.done)
	}
}

// CloseAll stops every writer and waits for them to exit.
func (o *Outboxes) CloseAll() {
	o.mu.Lock()
	boxes := o.boxes
	o.boxes = make(map[string]*outbox)
	o.mu.Unlock()

	for _, box := range boxes {
		close(box.done)
	}
	o.wg.Wait()
}

// Deliver enqueues data for connID. It reports false when the connection has
// no outbox or its queue is full.
func (o *Outboxes) Deliver(connID string, data []byte) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	box, ok := o.boxes[connID]
	if !ok {
		return false
	}
	select {
	case box.queue <- data:
		return true
	default:
		metrics.EventsDropped.WithLabelValues("outbox_full").Inc()
		log.Printf("broadcast: outbox full conn=%s, dropping frame", connID)
		return false
	}
}

func (o *Outboxes) run(connID string, box *outbox) {
	defer o.wg.Done()
	for {
		select {
		case <-box.done:
			return
		case data := <-box.queue:
			if err := o.sender.SendMessage(connID, data); err != nil {
				metrics.EventsDropped.WithLabelValues("write_error").Inc()
				log.Printf("broadcast: write to conn=%s failed: %v", connID, err)
				continue
			}
			metrics.EventsDelivered.Inc()
		}
	}
}
