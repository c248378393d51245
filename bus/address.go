package bus

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/shelepuginivan/systat/fault"
)

const defaultSystemBusAddress = "unix:path=/var/run/dbus/system_bus_socket"

// SystemBusAddress returns the address of the system bus.
func SystemBusAddress() string {
	if address := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); address != "" {
		return address
	}
	return defaultSystemBusAddress
}

// SessionBusAddress returns the address of the session bus. If
// DBUS_SESSION_BUS_ADDRESS is not set, the socket in XDG_RUNTIME_DIR is used
// when it exists.
func SessionBusAddress() string {
	if address := os.Getenv("DBUS_SESSION_BUS_ADDRESS"); address != "" {
		return address
	}

	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		path := filepath.Join(dir, "bus")
		if _, err := os.Stat(path); err == nil {
			return "unix:path=" + path
		}
	}

	return ""
}

// parseAddress returns the socket addresses listed in a D-Bus server address.
// Entries of transports other than unix path and abstract sockets are
// skipped.
func parseAddress(address string) ([]unix.Sockaddr, error) {
	var addrs []unix.Sockaddr

	for _, entry := range strings.Split(address, ";") {
		if entry == "" {
			continue
		}

		transport, params, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fault.Errorf(fault.Transport, "invalid address entry %q", entry)
		}

		if transport != "unix" {
			continue
		}

		kv, err := parseParams(params)
		if err != nil {
			return nil, fault.Wrap(fault.Transport, err, fmt.Sprintf("invalid address entry %q", entry))
		}

		switch {
		case kv["path"] != "":
			addrs = append(addrs, &unix.SockaddrUnix{Name: kv["path"]})
		case kv["abstract"] != "":
			addrs = append(addrs, &unix.SockaddrUnix{Name: "@" + kv["abstract"]})
		}
	}

	if len(addrs) == 0 {
		return nil, fault.Errorf(fault.Transport, "no usable transport in address %q", address)
	}

	return addrs, nil
}

func parseParams(params string) (map[string]string, error) {
	kv := make(map[string]string)

	for _, param := range strings.Split(params, ",") {
		if param == "" {
			continue
		}

		key, value, ok := strings.Cut(param, "=")
		if !ok {
			return nil, fmt.Errorf("parameter %q has no value", param)
		}

		unescaped, err := url.PathUnescape(value)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", key, err)
		}

		kv[key] = unescaped
	}

	return kv, nil
}
