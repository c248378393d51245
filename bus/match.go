package bus

import (
	"strconv"
	"strings"
)

// MatchOption is one key of a match rule.
type MatchOption struct {
	key   string
	value string
}

// Match builds a match rule string for [Conn.AddMatch], such as
//
//	type='signal',interface='org.freedesktop.NetworkManager.AccessPoint'
func Match(opts ...MatchOption) string {
	parts := make([]string, 0, len(opts))

	for _, opt := range opts {
		value := strings.ReplaceAll(opt.value, "'", `'\''`)
		parts = append(parts, opt.key+"='"+value+"'")
	}

	return strings.Join(parts, ",")
}

// WithMatchType matches messages of the given type, such as "signal".
func WithMatchType(typ string) MatchOption {
	return MatchOption{"type", typ}
}

// WithMatchInterface matches messages of the given interface.
func WithMatchInterface(iface string) MatchOption {
	return MatchOption{"interface", iface}
}

// WithMatchMember matches method calls or signals of the given name.
func WithMatchMember(member string) MatchOption {
	return MatchOption{"member", member}
}

// WithMatchPath matches messages of one object path.
func WithMatchPath(path string) MatchOption {
	return MatchOption{"path", path}
}

// WithMatchPathNamespace matches the path and every path below it.
func WithMatchPathNamespace(namespace string) MatchOption {
	return MatchOption{"path_namespace", namespace}
}

// WithMatchSender matches messages sent by the given bus name.
func WithMatchSender(sender string) MatchOption {
	return MatchOption{"sender", sender}
}

// WithMatchArg matches the string argument at position n.
func WithMatchArg(n int, value string) MatchOption {
	return MatchOption{"arg" + strconv.Itoa(n), value}
}
