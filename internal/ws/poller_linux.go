//go:build linux

package ws

import (
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// poller multiplexes read readiness of every open socket through one epoll
// instance instead of a goroutine per connection.
type poller struct {
	fd     int
	events []unix.EpollEvent
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{fd: fd, events: make([]unix.EpollEvent, 128)}, nil
}

func (p *poller) add(fd int) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	})
}

func (p *poller) remove(fd int) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wait returns the descriptors that became readable within timeoutMs.
// An interrupted wait yields no descriptors and no error.
func (p *poller) wait(timeoutMs int) ([]int, error) {
	n, err := unix.EpollWait(p.fd, p.events, timeoutMs)
	if errors.Is(err, unix.EINTR) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	fds := make([]int, n)
	for i := 0; i < n; i++ {
		fds[i] = int(p.events[i].Fd)
	}
	return fds, nil
}

func (p *poller) close() error {
	return unix.Close(p.fd)
}

// socketFD returns the descriptor behind conn without duplicating it, or -1.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(sfd uintptr) { fd = int(sfd) })
	return fd
}
