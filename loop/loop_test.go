package loop

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/shelepuginivan/systat/fault"
)

// pipeControl reads one byte per event; 'q' or end of file stops the loop.
type pipeControl struct {
	r, w    int
	flushes int
}

func newPipeControl(t *testing.T) *pipeControl {
	t.Helper()
	r, w := newPipe(t)
	return &pipeControl{r: r, w: w}
}

func (c *pipeControl) Fd() int { return c.r }

func (c *pipeControl) Next() bool {
	var buf [1]byte
	n, err := unix.Read(c.r, buf[:])
	return err == nil && n == 1 && buf[0] != 'q'
}

func (c *pipeControl) Flush() error {
	c.flushes++
	return nil
}

func (c *pipeControl) send(t *testing.T, b byte) {
	t.Helper()
	_, err := unix.Write(c.w, []byte{b})
	require.NoError(t, err)
}

func newPipe(t *testing.T) (int, int) {
	t.Helper()

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_CLOEXEC))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})

	return fds[0], fds[1]
}

func drain(fd int) {
	var buf [64]byte
	unix.Read(fd, buf[:])
}

// toggle is a watch whose mask is switched by the test.
type toggle struct {
	fd      int
	enabled bool
}

func (w *toggle) Handle() Handle {
	if !w.enabled {
		return Handle{Fd: w.fd}
	}
	return Handle{Fd: w.fd, Events: Readable}
}

func TestAggregateIsIdempotent(t *testing.T) {
	control := newPipeControl(t)
	l := New(control)

	set := NewDynamicSet()
	set.Add(Handle{Fd: 10, Events: Readable})
	set.Add(Handle{Fd: 11, Events: Readable | Writable})

	l.Add("fixed", &Fixed{Handle: Handle{Fd: 7, Events: Readable}}, nil)
	l.Add("compound", &Compound{Set: set}, nil)
	l.Add("flagged", &Flagged{Watch: &toggle{fd: 12, enabled: true}}, nil)

	first := l.Aggregate()
	second := l.Aggregate()

	assert.Equal(t, first, second)
	assert.Equal(t, []unix.PollFd{
		{Fd: int32(control.r), Events: unix.POLLIN},
		{Fd: 7, Events: unix.POLLIN},
		{Fd: 10, Events: unix.POLLIN},
		{Fd: 11, Events: unix.POLLIN | unix.POLLOUT},
		{Fd: 12, Events: unix.POLLIN},
	}, first)
}

func TestDynamicSetMembership(t *testing.T) {
	l := New(newPipeControl(t))
	set := NewDynamicSet()
	l.Add("set", &Compound{Set: set}, nil)

	h := Handle{Fd: 42, Events: Readable}

	assert.True(t, set.Add(h))
	assert.False(t, set.Add(Handle{Fd: 42, Events: Writable}))
	assert.Contains(t, l.Aggregate(), unix.PollFd{Fd: 42, Events: unix.POLLIN})

	assert.True(t, set.Remove(h))
	assert.False(t, set.Remove(h))
	assert.Len(t, l.Aggregate(), 1)
	assert.Equal(t, 0, set.Len())
}

func TestFlaggedDisabledIsSkipped(t *testing.T) {
	l := New(newPipeControl(t))
	w := &toggle{fd: 9}
	l.Add("flagged", &Flagged{Watch: w}, nil)

	assert.Len(t, l.Aggregate(), 1)

	w.enabled = true
	assert.Len(t, l.Aggregate(), 2)
}

func TestRunTerminatesOnEndOfStream(t *testing.T) {
	control := newPipeControl(t)
	l := New(control)

	control.send(t, 'q')

	assert.NoError(t, l.Run())
}

func TestRunTerminatesWhenControlIsClosed(t *testing.T) {
	control := newPipeControl(t)
	l := New(control)

	require.NoError(t, unix.Close(control.w))
	control.w = -1

	assert.NoError(t, l.Run())
}

func TestRunReturnsWaitFailure(t *testing.T) {
	l := New(newPipeControl(t))
	l.poll = func([]unix.PollFd, int) (int, error) {
		return 0, unix.EBADF
	}

	err := l.Run()
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.System))
	assert.True(t, errors.Is(err, unix.EBADF))
}

func TestRunRetriesInterruptedWait(t *testing.T) {
	control := newPipeControl(t)
	l := New(control)

	interrupted := 0
	l.poll = func(fds []unix.PollFd, timeout int) (int, error) {
		if interrupted < 3 {
			interrupted++
			return 0, unix.EINTR
		}
		return unix.Poll(fds, timeout)
	}

	control.send(t, 'q')

	assert.NoError(t, l.Run())
	assert.Equal(t, 3, interrupted)
}

func TestRunRoutesToOwner(t *testing.T) {
	control := newPipeControl(t)
	l := New(control)

	r1, w1 := newPipe(t)
	r2, w2 := newPipe(t)

	var got []string
	refreshed := 0

	l.Add("first", &Fixed{
		Handle: Handle{Fd: r1, Events: Readable},
		React: func(h Handle) error {
			drain(h.Fd)
			got = append(got, "first")
			return nil
		},
	}, func() { refreshed++ })

	set := NewDynamicSet()
	set.Add(Handle{Fd: r2, Events: Readable})
	l.Add("second", &Compound{
		Set: set,
		React: func(h Handle) error {
			drain(h.Fd)
			assert.Equal(t, r2, h.Fd)
			assert.NotZero(t, h.Events&Readable)
			got = append(got, "second")
			control.send(t, 'q')
			return nil
		},
	}, func() { refreshed++ })

	unix.Write(w1, []byte{1})
	unix.Write(w2, []byte{1})

	require.NoError(t, l.Run())
	assert.Equal(t, []string{"first", "second"}, got)
	assert.Equal(t, 2, refreshed)
	assert.Equal(t, 1, control.flushes)
}

func TestRunDropsHandleRemovedInSameIteration(t *testing.T) {
	control := newPipeControl(t)
	l := New(control)

	r1, w1 := newPipe(t)
	r2, w2 := newPipe(t)

	set := NewDynamicSet()
	removed := Handle{Fd: r2, Events: Readable}
	set.Add(removed)

	l.Add("remover", &Fixed{
		Handle: Handle{Fd: r1, Events: Readable},
		React: func(h Handle) error {
			drain(h.Fd)
			set.Remove(removed)
			control.send(t, 'q')
			return nil
		},
	}, nil)

	called := false
	l.Add("removed", &Compound{
		Set: set,
		React: func(Handle) error {
			called = true
			return nil
		},
	}, nil)

	unix.Write(w1, []byte{1})
	unix.Write(w2, []byte{1})

	require.NoError(t, l.Run())
	assert.False(t, called)
}

func TestRunReportsReactionErrors(t *testing.T) {
	control := newPipeControl(t)

	var reported []string
	var refreshed bool

	l := New(control, WithReporter(func(name string, err error) {
		reported = append(reported, name)
		assert.True(t, errors.Is(err, fault.IO))
	}))

	r, w := newPipe(t)
	l.Add("failing", &Flagged{
		Watch: Handle{Fd: r, Events: Readable},
		React: func(h Handle) error {
			drain(h.Fd)
			control.send(t, 'q')
			return fault.New(fault.IO, "read failed")
		},
	}, func() { refreshed = true })

	unix.Write(w, []byte{1})

	require.NoError(t, l.Run())
	assert.Equal(t, []string{"failing"}, reported)
	assert.False(t, refreshed)
}
