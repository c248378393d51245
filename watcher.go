package systat

import (
	"github.com/godbus/dbus/v5"
)

const (
	StatusNotifierWatcherInterface = "org.kde.StatusNotifierWatcher"
	StatusNotifierWatcherPath      = "/StatusNotifierWatcher"
)

func watcherOwnerRule() []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchSender("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg(0, StatusNotifierWatcherInterface),
	}
}

// register announces item to the watcher. The item is identified by its
// object path; the watcher pairs it with the unique name of the sender.
func (t *Tray) register(item *Item) error {
	return t.conn.Object(
		StatusNotifierWatcherInterface,
		StatusNotifierWatcherPath,
	).Call(
		StatusNotifierWatcherInterface+".RegisterStatusNotifierItem",
		0,
		string(item.path),
	).Err
}

// follow subscribes to owner changes of the watcher name.
//
// Whenever a watcher takes the name, for instance after the panel restarts,
// every item is registered again. When the connection is lost, the signal
// channel is closed and the event stream ends.
func (t *Tray) follow() error {
	if err := t.conn.AddMatchSignal(watcherOwnerRule()...); err != nil {
		return err
	}

	t.conn.Signal(t.signals)

	go t.watch()

	return nil
}

func (t *Tray) watch() {
	for {
		var signal *dbus.Signal
		var ok bool

		select {
		case <-t.done:
			return
		case signal, ok = <-t.signals:
		}

		if !ok {
			t.log.Debug().Msg("session bus signals closed")
			t.Close()
			return
		}

		if signal.Name != "org.freedesktop.DBus.NameOwnerChanged" {
			continue
		}

		if len(signal.Body) < 3 {
			continue
		}

		name, ok := signal.Body[0].(string)
		if !ok || name != StatusNotifierWatcherInterface {
			continue
		}

		newOwner, ok := signal.Body[2].(string)
		if !ok || newOwner == "" {
			continue
		}

		t.log.Info().Str("owner", newOwner).Msg("status notifier watcher appeared")
		t.registerAll()
	}
}

func (t *Tray) registerAll() {
	for _, item := range t.Items() {
		if err := t.register(item); err != nil {
			t.log.Warn().Err(err).Str("item", item.ID).Msg("failed to register item")
		}
	}
}

// unfollow removes the subscription made by follow and stops its goroutine.
func (t *Tray) unfollow() {
	t.conn.RemoveMatchSignal(watcherOwnerRule()...)
	t.conn.RemoveSignal(t.signals)
	close(t.done)
}
