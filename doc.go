// Package systat shows system status widgets in a desktop system tray that
// implements the [StatusNotifierItem] specification.
//
// # Usage
//
// A [Tray] renders widgets on the session bus:
//   - every widget becomes an [Item] exported at /StatusNotifierItem/<name>
//     and registered with org.kde.StatusNotifierWatcher;
//   - items are registered again whenever a new watcher takes the name;
//   - activations of items and the end of the session are queued as events
//     behind an eventfd, so the tray serves as the control handle of the
//     dispatch loop in package loop.
//
// The widgets themselves live in package widget and its subpackages.
//
// [StatusNotifierItem]: https://www.freedesktop.org/wiki/Specifications/StatusNotifierItem/
package systat
