package socks

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProxyServer replies to exactly one method-selection then one
// CONNECT request over an in-memory pipe, mimicking a compliant SOCKS5
// server for the purposes of exercising the client state machine.
func fakeProxyServer(t *testing.T, server net.Conn, replyCode byte) {
	t.Helper()
	buf := make([]byte, 512)

	n, err := server.Read(buf)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 2)
	_, err = server.Write([]byte{version5, methodNoAuth})
	require.NoError(t, err)

	n, err = server.Read(buf)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 5)
	require.Equal(t, byte(addrTypeFQDN), buf[3])

	resp := []byte{version5, replyCode, 0x00, addrTypeIPv4, 127, 0, 0, 1, 0x1F, 0x90}
	_, err = server.Write(resp)
	require.NoError(t, err)
}

func TestDialSuccess(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		fakeProxyServer(t, server, 0x00)
		close(done)
	}()

	dialer := func(network, addr string) (net.Conn, error) { return client, nil }
	conn, bound, err := Dial(dialer, Proxy{Address: "proxy", Port: 1080}, net.IPv4(10, 0, 0, 5), 2234)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", bound.IP.String())
	assert.Equal(t, 8080, bound.Port)
	assert.NotNil(t, conn)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fake server did not complete")
	}
}

func TestDialReplyErrorMapsToReason(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	go fakeProxyServer(t, server, 0x03)

	dialer := func(network, addr string) (net.Conn, error) { return client, nil }
	_, _, err := Dial(dialer, Proxy{Address: "proxy", Port: 1080}, net.IPv4(10, 0, 0, 5), 2234)
	require.Error(t, err)
	var perr *ProxyError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "Network unreachable", perr.Reason)
}

func TestCredentialsOver255BytesRejected(t *testing.T) {
	client, _ := net.Pipe()
	defer client.Close()
	long := make([]byte, 256)
	_, _, err := Dial(func(string, string) (net.Conn, error) { return client, nil },
		Proxy{Address: "proxy", Port: 1080, Username: string(long)}, net.IPv4(1, 1, 1, 1), 80)
	require.Error(t, err)
}
