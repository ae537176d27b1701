package treescale

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// poller wraps an edge-triggered epoll instance. The engine is its only
// user, so no synchronization: registration state lives on the envelopes.
type poller struct {
	epfd   int
	events []unix.EpollEvent
}

const (
	pollRead      = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLET
	pollReadWrite = unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLET
)

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &poller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, 128),
	}, nil
}

func (p *poller) ctl(op, fd int, events uint32) error {
	return unix.EpollCtl(p.epfd, op, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

func (p *poller) addRead(fd int) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, pollRead)
}

func (p *poller) addReadWrite(fd int) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, pollReadWrite)
}

func (p *poller) modRead(fd int) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, pollRead)
}

func (p *poller) modReadWrite(fd int) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, pollReadWrite)
}

// del removes fd from the epoll set. Idempotent: deleting an fd that is not
// registered is not an error.
func (p *poller) del(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	return err
}

// wait blocks until at least one registered source is ready. No timeout:
// the wake eventfd guarantees prompt wakeup when external work arrives.
func (p *poller) wait() (int, error) {
	for {
		n, err := unix.EpollWait(p.epfd, p.events, -1)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}

// wake is an eventfd registered with the poller so that other goroutines
// can interrupt an in-progress wait. Writes and reads never block (the fd
// is non-blocking; a saturated counter still means "wakeup pending").
type wake struct {
	fd int
}

func newWake() (*wake, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &wake{fd: fd}, nil
}

func (w *wake) trigger() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(w.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}

func (w *wake) drain() {
	var buf [8]byte
	for {
		_, err := unix.Read(w.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}

func (w *wake) close() error {
	return unix.Close(w.fd)
}
