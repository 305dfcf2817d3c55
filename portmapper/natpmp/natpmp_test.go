// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package natpmp

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/frankban/quicktest"
	"github.com/natreach/natreach/portmapper/pmerrors"
	"inet.af/netaddr"
)

// fakeGateway binds ServerPort on loopback and answers requests with
// handle's response, standing in for a real NAT-PMP gateway. New and
// ProbeAvailable always dial ServerPort, so the fake has no choice but
// to claim it.
func fakeGateway(t *testing.T, handle func(req []byte) []byte) (stop func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: ServerPort})
	if err != nil {
		t.Skipf("cannot bind loopback NAT-PMP port for test: %v", err)
	}
	done := make(chan struct{})
	go func() {
		buf := make([]byte, 64)
		for {
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			n, addr, err := conn.ReadFromUDP(buf)
			select {
			case <-done:
				return
			default:
			}
			if err != nil {
				continue
			}
			if resp := handle(buf[:n]); resp != nil {
				conn.WriteToUDP(resp, addr)
			}
		}
	}()
	return func() { close(done); conn.Close() }
}

var loopback = netaddr.MustParseIP("127.0.0.1")

func TestProbeAvailableSuccess(t *testing.T) {
	c := quicktest.New(t)
	stop := fakeGateway(t, func(req []byte) []byte {
		resp := make([]byte, 12)
		resp[1] = opExternalAddress | opReplyBit
		binary.BigEndian.PutUint16(resp[2:4], resultOK)
		copy(resp[8:12], net.IPv4(203, 0, 113, 1).To4())
		return resp
	})
	defer stop()

	c.Assert(ProbeAvailable(loopback, loopback), quicktest.IsTrue)
}

func TestProbeAvailableNoResponse(t *testing.T) {
	c := quicktest.New(t)
	stop := fakeGateway(t, func(req []byte) []byte { return nil })
	defer stop()

	c.Assert(ProbeAvailable(loopback, loopback), quicktest.IsFalse)
}

func TestNewRejectsZeroExternalPort(t *testing.T) {
	stop := fakeGateway(t, func(req []byte) []byte {
		resp := make([]byte, 16)
		resp[1] = opMapUDP | opReplyBit
		binary.BigEndian.PutUint16(resp[8:10], 4242) // echo private port
		binary.BigEndian.PutUint16(resp[10:12], 0)   // external port 0: gateway refused
		binary.BigEndian.PutUint32(resp[12:16], 3600)
		return resp
	})
	defer stop()

	_, err := New(loopback, 4242, loopback, 0)
	if err != pmerrors.ErrZeroExternalPort {
		t.Fatalf("got err %v, want ErrZeroExternalPort", err)
	}
}

func TestNewSuccess(t *testing.T) {
	c := quicktest.New(t)
	stop := fakeGateway(t, func(req []byte) []byte {
		switch req[1] {
		case opMapUDP:
			resp := make([]byte, 16)
			resp[1] = opMapUDP | opReplyBit
			binary.BigEndian.PutUint16(resp[8:10], binary.BigEndian.Uint16(req[4:6]))
			binary.BigEndian.PutUint16(resp[10:12], 51234)
			binary.BigEndian.PutUint32(resp[12:16], 7200)
			return resp
		case opExternalAddress:
			resp := make([]byte, 12)
			resp[1] = opExternalAddress | opReplyBit
			copy(resp[8:12], net.IPv4(203, 0, 113, 1).To4())
			return resp
		}
		return nil
	})
	defer stop()

	m, err := New(loopback, 4242, loopback, 0)
	c.Assert(err, quicktest.IsNil)
	ip, port := m.External()
	c.Assert(port, quicktest.Equals, uint16(51234))
	c.Assert(ip.String(), quicktest.Equals, "203.0.113.1")
	c.Assert(m.Lifetime(), quicktest.Equals, 2*time.Hour)
	c.Assert(m.HalfLifetime(), quicktest.Equals, time.Hour)
}
