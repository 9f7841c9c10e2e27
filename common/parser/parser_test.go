package parser

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAcceptedFrame(t *testing.T) {
	p := NewAccessLog()

	u := p.Parse("2024/01/02 15:04:05 from 203.0.113.7:51413 accepted tcp:example.com:443 [VLESS_TCP >> direct] email: 12.alice")
	require.NotNil(t, u)
	require.Equal(t, "alice", u.Name)
	require.Equal(t, "203.0.113.7", u.IP)
	require.Equal(t, "VLESS_TCP", u.Inbound)
	require.Equal(t, "tcp:example.com:443", u.Accepted)
	require.Empty(t, u.Node)
}

func TestParseIPv6Source(t *testing.T) {
	p := NewAccessLog()

	u := p.Parse("from [2001:db8::1]:51413 accepted udp:1.1.1.1:53 [Shadowsocks_TCP] email: 3.bob")
	require.NotNil(t, u)
	require.Equal(t, "bob", u.Name)
	require.Equal(t, "2001:db8::1", u.IP)
	require.Equal(t, "Shadowsocks_TCP", u.Inbound)
}

func TestParseEmailWithoutNumericPrefix(t *testing.T) {
	p := NewAccessLog()

	u := p.Parse("from 10.0.0.5:1000 accepted tcp:example.com:80 [in] email: carol@host")
	require.NotNil(t, u)
	require.Equal(t, "carol@host", u.Name)
}

func TestParseNonUserFrames(t *testing.T) {
	p := NewAccessLog()

	for _, frame := range []string{
		"",
		"2024/01/02 15:04:05 [Warning] core: Xray 1.8.0 started",
		"from 10.0.0.1:2000 rejected tcp:example.com:443 [in] email: 1.dan",
		"from 10.0.0.1:2000 accepted tcp:example.com:443 [in]",
		"garbage line with no structure",
	} {
		require.Nil(t, p.Parse(frame), "frame %q should not parse", frame)
	}
}

func TestForPanel(t *testing.T) {
	for _, pt := range []string{"marzneshin", "marzban", "rebecca", "pasarguard", ""} {
		require.NotNil(t, ForPanel(pt))
	}
}
