package loop

import (
	"slices"

	"golang.org/x/sys/unix"
)

// Events is a direction mask of a readiness handle. Masks reported back by
// the wait call may also carry [Hangup] and [Failed].
type Events int16

const (
	Readable Events = unix.POLLIN
	Writable Events = unix.POLLOUT
	Hangup   Events = unix.POLLHUP
	Failed   Events = unix.POLLERR | unix.POLLNVAL
)

// Handle is a file descriptor together with the events to wait for.
type Handle struct {
	Fd     int
	Events Events
}

// Handle returns h itself, so that a fixed handle can be used as a [Watch].
func (h Handle) Handle() Handle {
	return h
}

// Watch reports a handle at aggregation time. A zero mask disables the watch
// for the iteration.
type Watch interface {
	Handle() Handle
}

// Source owns zero or more handles and reacts when one of them is ready.
// The set of sources is closed: [Fixed], [DynamicSet], [Flagged] and
// [Compound].
type Source interface {
	source()
}

// Fixed is a single handle that never changes.
type Fixed struct {
	Handle Handle
	React  func(Handle) error
}

// Flagged is a single watch whose mask is computed by its owner at
// aggregation time.
type Flagged struct {
	Watch Watch
	React func(Handle) error
}

// Compound delegates its handles to a [DynamicSet] maintained by a messaging
// client through add and remove callbacks.
type Compound struct {
	Set   *DynamicSet
	React func(Handle) error
}

// DynamicSet is an ordered set of watches identified by descriptor value.
// When used as a [Source] on its own, React handles every ready member.
type DynamicSet struct {
	watches []Watch
	React   func(Handle) error
}

func (*Fixed) source()      {}
func (*Flagged) source()    {}
func (*Compound) source()   {}
func (*DynamicSet) source() {}

// NewDynamicSet returns an empty set.
func NewDynamicSet() *DynamicSet {
	return &DynamicSet{}
}

// Add appends w to the set. It returns false if a watch with the same
// descriptor is already a member.
func (s *DynamicSet) Add(w Watch) bool {
	if s.index(w.Handle().Fd) >= 0 {
		return false
	}

	s.watches = append(s.watches, w)
	return true
}

// Remove removes the member with the descriptor of w. It returns false if
// there is none.
func (s *DynamicSet) Remove(w Watch) bool {
	idx := s.index(w.Handle().Fd)
	if idx < 0 {
		return false
	}

	s.watches = slices.Delete(s.watches, idx, idx+1)
	return true
}

// Len returns the number of members, enabled or not.
func (s *DynamicSet) Len() int {
	return len(s.watches)
}

// Handles returns the handles of the enabled members in insertion order.
func (s *DynamicSet) Handles() []Handle {
	handles := make([]Handle, 0, len(s.watches))

	for _, w := range s.watches {
		if h := w.Handle(); h.Events != 0 {
			handles = append(handles, h)
		}
	}

	return handles
}

func (s *DynamicSet) index(fd int) int {
	return slices.IndexFunc(s.watches, func(w Watch) bool {
		return w.Handle().Fd == fd
	})
}

// handlesOf returns the current handles of src.
func handlesOf(src Source) []Handle {
	switch src := src.(type) {
	case *Fixed:
		return []Handle{src.Handle}
	case *Flagged:
		if h := src.Watch.Handle(); h.Events != 0 {
			return []Handle{h}
		}
		return nil
	case *Compound:
		return src.Set.Handles()
	case *DynamicSet:
		return src.Handles()
	default:
		return nil
	}
}

// reactionOf returns the reaction of src.
func reactionOf(src Source) func(Handle) error {
	switch src := src.(type) {
	case *Fixed:
		return src.React
	case *Flagged:
		return src.React
	case *Compound:
		return src.React
	case *DynamicSet:
		return src.React
	default:
		return nil
	}
}
