// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package upnp

import (
	"testing"

	"github.com/frankban/quicktest"
	"inet.af/netaddr"
)

func TestParseIPv4(t *testing.T) {
	c := quicktest.New(t)

	ip, ok := parseIPv4("203.0.113.5")
	c.Assert(ok, quicktest.IsTrue)
	c.Assert(ip.String(), quicktest.Equals, "203.0.113.5")

	_, ok = parseIPv4("not-an-ip")
	c.Assert(ok, quicktest.IsFalse)

	_, ok = parseIPv4("2001:db8::1")
	c.Assert(ok, quicktest.IsFalse, quicktest.Commentf("IPv6 addresses must be rejected, not silently truncated"))
}

type fakeClient struct {
	externalIP  string
	addErr      error
	deletedPort uint16
}

func (f *fakeClient) GetExternalIPAddress() (string, error) { return f.externalIP, nil }
func (f *fakeClient) AddPortMapping(_ string, _ uint16, _ string, _ uint16, _ string, _ bool, _ string, _ uint32) error {
	return f.addErr
}
func (f *fakeClient) DeletePortMapping(_ string, externalPort uint16, _ string) error {
	f.deletedPort = externalPort
	return nil
}

func TestMapUsesPreferredPortWhenGatewayAccepts(t *testing.T) {
	c := quicktest.New(t)
	fc := &fakeClient{externalIP: "203.0.113.9"}
	gw := &Gateway{c: fc}

	m, err := Map(gw, netaddr.MustParseIP("127.0.0.1"), 4242, 9999)
	c.Assert(err, quicktest.IsNil)
	ip, port := m.External()
	c.Assert(port, quicktest.Equals, uint16(9999))
	c.Assert(ip.String(), quicktest.Equals, "203.0.113.9")
}
