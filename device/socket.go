package device

/*
   Copyright 2018 Bruno Moura <brunotm@gmail.com>

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Socket wraps a TCP stream socket fd.
type Socket struct {
	base
	listener bool
}

// NewSocket wraps an already-created fd as a Socket.
func NewSocket(fd int) *Socket {
	return &Socket{base: newBase(fd)}
}

// Read implements Device.
func (s *Socket) Read(p []byte) (int, error) {
	return unix.Read(s.fd, p)
}

// Write implements Device.
func (s *Socket) Write(p []byte) (int, error) {
	return unix.Write(s.fd, p)
}

// Close implements Device.
func (s *Socket) Close() error { return s.close() }

// IsListener reports whether this socket was created by MakeSocketServer.
func (s *Socket) IsListener() bool { return s.listener }

// IsConnected probes SO_ERROR to determine whether the socket's peer is
// still reachable.
func (s *Socket) IsConnected() bool {
	_, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	return err == nil
}

// Accept accepts one pending connection from a listening socket.
func (s *Socket) Accept() (*Socket, error) {
	nfd, _, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return NewSocket(nfd), nil
}

// PeerHost returns the "host:port" of the socket's remote peer.
func (s *Socket) PeerHost() (string, error) {
	sa, err := unix.Getpeername(s.fd)
	if err != nil {
		return "", err
	}
	return sockaddrToHostPort(sa)
}

// LocalHost returns the "host:port" this socket is bound to.
func (s *Socket) LocalHost() (string, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return "", err
	}
	return sockaddrToHostPort(sa)
}

func sockaddrToHostPort(sa unix.Sockaddr) (string, error) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(a.Addr[:])
		return net.JoinHostPort(ip.String(), strconv.Itoa(a.Port)), nil
	case *unix.SockaddrInet6:
		ip := net.IP(a.Addr[:])
		return net.JoinHostPort(ip.String(), strconv.Itoa(a.Port)), nil
	default:
		return "", fmt.Errorf("device: unsupported sockaddr type %T", sa)
	}
}

// MakeSocketServer creates a non-blocking, listening TCP socket bound to
// addr ("host:port", host may be empty for all interfaces).
func MakeSocketServer(addr string) (*Socket, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, err
	}

	var ip [4]byte
	if host != "" {
		parsed := net.ParseIP(host).To4()
		if parsed == nil {
			unix.Close(fd)
			return nil, fmt.Errorf("device: invalid host %q", host)
		}
		copy(ip[:], parsed)
	}

	sa := &unix.SockaddrInet4{Port: port, Addr: ip}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return nil, err
	}

	s := NewSocket(fd)
	s.listener = true
	return s, nil
}

// MakeSocketClient creates a non-blocking TCP socket connected (or
// connecting; EINPROGRESS is swallowed since the caller's reactor will
// learn of completion via writability) to addr.
func MakeSocketClient(addr string) (*Socket, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}

	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("device: cannot resolve host %q", host)
	}
	v4 := ips[0].To4()
	if v4 == nil {
		return nil, fmt.Errorf("device: no IPv4 address for host %q", host)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}

	var ip [4]byte
	copy(ip[:], v4)
	sa := &unix.SockaddrInet4{Port: port, Addr: ip}

	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, err
	}

	return NewSocket(fd), nil
}

// MakeSocketPair creates a connected pair of local, non-blocking
// stream sockets, used for the container spawn synchronization handshake
// (spec.md §4.4).
func MakeSocketPair() (a, b *Socket, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, err
	}
	return NewSocket(fds[0]), NewSocket(fds[1]), nil
}

// hostTag formats a tag-or-key used by the bridge-fd environment
// contract (spec.md §6).
func hostTag(tag string, key int32) string {
	if tag != "" {
		return tag
	}
	return strings.TrimSpace(strconv.Itoa(int(key)))
}

// HostTag is the exported form of hostTag, used by executor/container
// when building the bridges environment variable.
func HostTag(tag string, key int32) string { return hostTag(tag, key) }
