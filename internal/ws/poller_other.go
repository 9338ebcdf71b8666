//go:build !linux

package ws

import (
	"errors"
	"net"
)

var errUnsupportedPlatform = errors.New("ws: epoll readiness loop requires linux")

type poller struct{}

func newPoller() (*poller, error) { return nil, errUnsupportedPlatform }

func (p *poller) add(int) error { return errUnsupportedPlatform }
func (p *poller) remove(int) error { return errUnsupportedPlatform }
func (p *poller) wait(int) ([]int, error) { return nil, errUnsupportedPlatform }
func (p *poller) close() error { return nil }
func socketFD(net.Conn) int { return -1 }
