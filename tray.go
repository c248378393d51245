package systat

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/eapache/queue"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/shelepuginivan/systat/fault"
	"github.com/shelepuginivan/systat/widget"
)

// event is a pending tray event. An event without name is the end of the
// stream.
type event struct {
	name string
}

// Tray renders widgets as status notifier items on a session bus connection.
//
// The tray is also the control handle of the dispatch loop: item activations
// arrive on godbus goroutines and are queued behind an eventfd, from which
// [Tray.Next] consumes them on the loop goroutine.
type Tray struct {
	conn *dbus.Conn
	log  zerolog.Logger

	// Items and dirty are touched on the loop goroutine only, except that
	// items is read under mu when the watcher changes.
	items []*Item
	dirty []*Item

	mu       sync.Mutex
	events   *queue.Queue
	efd      int
	ended    bool
	released bool

	signals    chan *dbus.Signal
	done       chan struct{}
	onActivate func(name string)
}

// NewTray returns a tray rendering on conn. It starts following the owner
// of the status notifier watcher name.
func NewTray(conn *dbus.Conn, log zerolog.Logger) (*Tray, error) {
	efd, err := unix.Eventfd(0, unix.EFD_SEMAPHORE|unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fault.Wrap(fault.System, err, "create tray event handle")
	}

	t := &Tray{
		conn:       conn,
		log:        log,
		events:     queue.New(),
		efd:        efd,
		signals:    make(chan *dbus.Signal, 16),
		done:       make(chan struct{}),
		onActivate: func(string) {},
	}

	if err := t.follow(); err != nil {
		unix.Close(efd)
		return nil, fault.Wrap(fault.Transport, err, "follow status notifier watcher")
	}

	return t, nil
}

// OnActivate sets the function called on the loop goroutine with the name of
// an activated item.
func (t *Tray) OnActivate(fn func(name string)) {
	t.onActivate = fn
}

// NewView exports an item for the named widget and registers it with the
// watcher. A missing watcher is not an error: the item is registered once a
// watcher appears.
func (t *Tray) NewView(name string) (widget.View, error) {
	item := newItem(t, name)

	if err := item.export(); err != nil {
		return nil, fault.Wrap(fault.Transport, err, "export "+string(item.path))
	}

	t.mu.Lock()
	t.items = append(t.items, item)
	t.mu.Unlock()

	if err := t.register(item); err != nil {
		t.log.Warn().Err(err).Str("item", name).Msg("status notifier watcher unavailable")
	}

	return item, nil
}

// Items returns the items of the tray in creation order.
func (t *Tray) Items() []*Item {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]*Item(nil), t.items...)
}

func (t *Tray) markDirty(item *Item) {
	t.dirty = append(t.dirty, item)
}

// Fd returns the eventfd that is readable while events are pending.
func (t *Tray) Fd() int {
	return t.efd
}

// Next consumes one pending event. It returns false at the end of the
// stream and calls the activation function for an item activation.
func (t *Tray) Next() bool {
	var buf [8]byte

	if _, err := unix.Read(t.efd, buf[:]); err != nil {
		// Spurious wakeup: nothing to consume.
		return true
	}

	t.mu.Lock()
	if t.events.Length() == 0 {
		t.mu.Unlock()
		return true
	}
	ev := t.events.Remove().(event)
	t.mu.Unlock()

	if ev.name == "" {
		t.log.Debug().Msg("tray event stream ended")
		return false
	}

	t.log.Debug().Str("item", ev.name).Msg("item activated")
	t.onActivate(ev.name)

	return true
}

// Flush publishes the state of every item updated since the last flush.
func (t *Tray) Flush() error {
	dirty := t.dirty
	t.dirty = nil

	var errs []error
	for _, item := range dirty {
		if err := item.flush(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", item.ID, err))
		}
	}

	return fault.Wrap(fault.Transport, errors.Join(errs...), "publish item state")
}

// Close ends the event stream: the loop returns once it has consumed the
// events queued before. Close may be called from any goroutine.
func (t *Tray) Close() {
	t.push(event{})
}

// push queues ev and wakes the loop. Nothing is queued after the end of the
// stream.
func (t *Tray) push(ev event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ended || t.released {
		return
	}

	if ev.name == "" {
		t.ended = true
	}

	t.events.Add(ev)

	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	unix.Write(t.efd, one[:])
}

// Release stops following the watcher and closes the event handle. The
// tray must not be used afterwards.
func (t *Tray) Release() error {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return nil
	}
	t.released = true
	t.mu.Unlock()

	t.unfollow()

	if err := unix.Close(t.efd); err != nil {
		return fault.Wrap(fault.System, err, "close tray event handle")
	}

	return nil
}
