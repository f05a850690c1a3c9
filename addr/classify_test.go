package addr

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var meshLocalPrefix = [8]byte{0xfd, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01}

func mustParse(t *testing.T, s string) net.IP {
	t.Helper()
	ip, err := ParseIPv6(s)
	require.NoError(t, err)
	return ip
}

func TestClassifyIsTotal(t *testing.T) {
	cases := []struct {
		name string
		addr string
		want Class
	}{
		{"rloc", "fd00:0:0:1:0:ff:fe00:1234", ClassRLOC},
		{"link_local", "fe80::0323:4567:89ab:cdef", ClassLinkLocal},
		{"mleid", "fd00:0:0:1:aaaa:bbbb:cccc:dddd", ClassMLEID},
		{"other", "2001:db8::1", ClassOther},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ip := mustParse(t, c.addr)
			assert.Equal(t, c.want, Classify(ip, meshLocalPrefix))
		})
	}
}

func TestIsRLOCAndRLOC16Of(t *testing.T) {
	ip := mustParse(t, "fd00:0:0:1:0:ff:fe00:1234")
	assert.True(t, IsRLOC(ip))
	rloc16, ok := RLOC16Of(ip)
	require.True(t, ok)
	assert.Equal(t, "0x1234", rloc16)

	other := mustParse(t, "2001:db8::1")
	assert.False(t, IsRLOC(other))
	_, ok = RLOC16Of(other)
	assert.False(t, ok)
}

func TestEUI64LinkLocalRoundTrip(t *testing.T) {
	extAddr := "0e23456789abcdef"
	ip, err := LinkLocalFromEUI64(extAddr)
	require.NoError(t, err)
	assert.True(t, IsLinkLocal(ip))

	matches, err := ExtAddrMatchesMLEID(extAddr, ip)
	require.NoError(t, err)
	assert.True(t, matches, "link-local IID must be the flipped-U/L form of the extended address")

	other := mustParse(t, "fe80::1")
	matches, err = ExtAddrMatchesMLEID(extAddr, other)
	require.NoError(t, err)
	assert.False(t, matches)
}

func TestLinkLocalFromEUI64RejectsBadInput(t *testing.T) {
	_, err := LinkLocalFromEUI64("not-hex")
	assert.Error(t, err)

	_, err = LinkLocalFromEUI64("aabb")
	assert.Error(t, err, "extended address must be exactly 8 bytes")
}

func TestFlipULBit(t *testing.T) {
	in := [8]byte{0x00, 1, 2, 3, 4, 5, 6, 7}
	out := FlipULBit(in)
	assert.Equal(t, byte(0x02), out[0])
	assert.Equal(t, in[1:], out[1:])

	// flipping twice restores the original
	back := FlipULBit(out)
	assert.Equal(t, in, back)
}

func TestParsePrefix64(t *testing.T) {
	prefix, err := ParsePrefix64("fd00:0:0:1::")
	require.NoError(t, err)
	assert.Equal(t, meshLocalPrefix, prefix)

	_, err = ParsePrefix64("not-an-address")
	assert.Error(t, err)
}

func TestParseIPv6RejectsIPv4(t *testing.T) {
	_, err := ParseIPv6("192.168.1.1")
	assert.Error(t, err)
}
