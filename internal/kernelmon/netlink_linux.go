//go:build linux

package kernelmon

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// NetlinkSocket is the event channel to the kernel module. Receive blocks
// and is run from a dedicated goroutine; Close interrupts it.
type NetlinkSocket struct {
	fd  int
	pid uint32

	mu     sync.Mutex
	closed bool
}

// OpenNetlink binds a raw netlink socket on the module's family with this
// process's pid, which is also what SetDataLoader registers kernel-side.
func OpenNetlink() (*NetlinkSocket, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, NetlinkFamily)
	if err != nil {
		return nil, fmt.Errorf("kernelmon: netlink socket: %w", err)
	}
	pid := uint32(os.Getpid())
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Pid: pid}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("kernelmon: netlink bind: %w", err)
	}
	return &NetlinkSocket{fd: fd, pid: pid}, nil
}

// Recv blocks for the next kernel event. Transient errors are retried;
// a closed socket surfaces as os.ErrClosed.
func (s *NetlinkSocket) Recv() (Event, error) {
	buf := make([]byte, 4096)
	for {
		n, _, err := unix.Recvfrom(s.fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if s.isClosed() || errors.Is(err, unix.EBADF) {
				return Event{}, os.ErrClosed
			}
			return Event{}, fmt.Errorf("kernelmon: netlink recv: %w", err)
		}
		if n < nlHeaderLen {
			return Event{}, fmt.Errorf("%w: short message (%d bytes)", ErrBadEvent, n)
		}
		return ParseEvent(buf[nlHeaderLen:n])
	}
}

// Ack tells the kernel a PGID's profile is ingested and the group may be
// registered with the IPC monitor. Best-effort: the kernel re-raises if
// the message is lost.
func (s *NetlinkSocket) Ack(pgid int32) error {
	msg := buildAck(pgid, s.pid)
	err := unix.Sendto(s.fd, msg, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Pid: 0})
	if err != nil {
		return fmt.Errorf("kernelmon: netlink ack pgid=%d: %w", pgid, err)
	}
	return nil
}

func (s *NetlinkSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close shuts the socket down, unblocking any Recv.
func (s *NetlinkSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return unix.Close(s.fd)
}
