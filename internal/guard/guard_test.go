package guard

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyBlocksPrivateTargets(t *testing.T) {
	t.Parallel()

	g := New(DefaultPolicy())
	hosts := []string{
		"localhost",
		"127.0.0.1",
		"10.1.2.3",
		"192.168.0.5",
		"169.254.1.1",
		"172.20.0.1",
		"foo.local",
	}
	for _, host := range hosts {
		require.Equal(t, Blocked, g.Classify("http://"+host+"/path"), host)
		require.Equal(t, Blocked, g.Classify("https://"+host), host)
	}
}

func TestClassifyAllowsPublicTargets(t *testing.T) {
	t.Parallel()

	g := New(DefaultPolicy())
	for _, raw := range []string{
		"http://example.com",
		"https://example.com/a?b=c",
		"http://8.8.8.8",
		"https://[2001:4860:4860::8888]/",
		"http://172.32.0.1",
		"http://localhost.example.com",
	} {
		require.Equal(t, Allowed, g.Classify(raw), raw)
	}
}

func TestClassifyFailsClosedOnMalformedInput(t *testing.T) {
	t.Parallel()

	g := New(DefaultPolicy())
	for _, raw := range []string{
		"not a url",
		"",
		"http://[::1",
		"://missing-scheme",
		"http://%zz",
		"file:///etc/passwd",
		"javascript:alert(1)",
		"ftp://example.com",
		"http:///nohost",
	} {
		require.NotPanics(t, func() {
			require.Equal(t, Blocked, g.Classify(raw), raw)
		})
	}
}

func TestClassifyBlocksAlternateEncodings(t *testing.T) {
	t.Parallel()

	g := New(DefaultPolicy())
	for _, host := range []string{
		"2130706433",     // decimal 127.0.0.1
		"0177.0.0.1",     // octal first octet
		"0x7f.0.0.1",     // hex first octet
		"0x7f000001",     // single hex value
		"127.1",          // short form
		"10.1",           // short form private
		"0xa9.0xfe.1.1",  // 169.254.1.1
		"3232235525",     // 192.168.0.5
		"localhost.",     // trailing dot
		"LOCALHOST",      // case
		"[::1]",          // ipv6 loopback
		"[::ffff:10.0.0.1]",
		"[fd00::1]",
		"[fe80::1]",
		"0.0.0.0",
		"100.64.1.1",
		"sub.foo.local",
		"app.localhost",
	} {
		require.Equal(t, Blocked, g.Classify("http://"+host+"/"), host)
	}
}

func TestCheckReasons(t *testing.T) {
	t.Parallel()

	g := New(DefaultPolicy())
	require.Contains(t, g.Check("http://10.0.0.1").Reason, "10.0.0.0/8")
	require.Contains(t, g.Check("http://printer.local").Reason, ".local")
	require.Contains(t, g.Check("gopher://example.com").Reason, "scheme")
	require.Empty(t, g.Check("https://example.com").Reason)
}

func TestExtendPolicy(t *testing.T) {
	t.Parallel()

	policy, err := Extend([]string{"203.0.113.0/24", "198.51.100.7"}, []string{"metadata.google.internal"}, []string{"*.corp"})
	require.NoError(t, err)
	g := New(policy)

	require.Equal(t, Blocked, g.Classify("http://203.0.113.9"))
	require.Equal(t, Blocked, g.Classify("http://198.51.100.7"))
	require.Equal(t, Allowed, g.Classify("http://198.51.100.8"))
	require.Equal(t, Blocked, g.Classify("http://metadata.google.internal/computeMetadata"))
	require.Equal(t, Blocked, g.Classify("http://wiki.corp"))
	require.Equal(t, Blocked, g.Classify("http://10.0.0.1"), "defaults are kept")

	_, err = Extend([]string{"not-a-cidr"}, nil, nil)
	require.Error(t, err)
}

type fakeResolver struct {
	addrs map[string][]netip.Addr
	err   error
}

func (f fakeResolver) LookupNetIP(_ context.Context, _ string, host string) ([]netip.Addr, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.addrs[host], nil
}

func TestCheckContextResolvesHosts(t *testing.T) {
	t.Parallel()

	resolver := fakeResolver{addrs: map[string][]netip.Addr{
		"public.example":   {netip.MustParseAddr("93.184.216.34")},
		"rebind.example":   {netip.MustParseAddr("93.184.216.34"), netip.MustParseAddr("10.0.0.7")},
		"internal.example": {netip.MustParseAddr("::ffff:192.168.1.1")},
	}}
	g := New(DefaultPolicy(), WithResolver(resolver))
	ctx := context.Background()

	require.False(t, g.CheckContext(ctx, "https://public.example").Blocked())
	require.True(t, g.CheckContext(ctx, "https://rebind.example").Blocked())
	require.True(t, g.CheckContext(ctx, "https://internal.example").Blocked())
	require.True(t, g.CheckContext(ctx, "https://unknown.example").Blocked(), "empty answers block")
	require.True(t, g.CheckContext(ctx, "http://127.0.0.1").Blocked(), "literals skip resolution")

	// Without DNS, Check stays purely syntactic.
	require.False(t, g.Check("https://rebind.example").Blocked())
}

func TestCheckContextBlocksOnLookupFailure(t *testing.T) {
	t.Parallel()

	g := New(DefaultPolicy(), WithResolver(fakeResolver{err: errors.New("no such host")}))
	d := g.CheckContext(context.Background(), "https://example.com")
	require.True(t, d.Blocked())
	require.Contains(t, d.Reason, "no such host")
}

func TestVerdictString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "ALLOWED", Allowed.String())
	require.Equal(t, "BLOCKED", Blocked.String())
}

func FuzzClassify(f *testing.F) {
	for _, seed := range []string{"http://example.com", "http://0x7f.1", "not a url", "http://[::1]"} {
		f.Add(seed)
	}
	g := New(DefaultPolicy())
	f.Fuzz(func(t *testing.T, raw string) {
		_ = g.Classify(raw)
	})
}
