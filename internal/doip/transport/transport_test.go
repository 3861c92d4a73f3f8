package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eshenhu/doipgwd/internal/doip"
)

func TestTCPConnectionTransportRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := NewTCPConnectionTransport(clientConn, doip.DefaultMaxPayloadLength)
	server := NewTCPConnectionTransport(serverConn, doip.DefaultMaxPayloadLength)

	want := doip.NewAliveCheckRequest()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := client.SendMessage(want)
		assert.NoError(t, err)
	}()

	got, err := server.ReceiveMessage()
	require.NoError(t, err)
	assert.Equal(t, want.Type, got.Type)
	assert.Equal(t, want.Payload, got.Payload)
	<-done
}

func TestTCPConnectionTransportCloseIsIdempotent(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	client := NewTCPConnectionTransport(clientConn, doip.DefaultMaxPayloadLength)
	assert.True(t, client.IsActive())
	assert.NoError(t, client.Close(CloseReasonApplicationRequest))
	assert.NoError(t, client.Close(CloseReasonApplicationRequest))
	assert.False(t, client.IsActive())
}

func TestTCPConnectionTransportReceiveAfterPeerCloseFails(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	server := NewTCPConnectionTransport(serverConn, doip.DefaultMaxPayloadLength)
	clientConn.Close()

	_, err := server.ReceiveMessage()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryConnectionTransportSendIsRecorded(t *testing.T) {
	tr := NewMemoryConnectionTransport("peer-1", 4)

	msg := doip.NewAliveCheckRequest()
	n, err := tr.SendMessage(msg)
	require.NoError(t, err)
	assert.Positive(t, n)
	assert.Equal(t, 1, tr.SentCount())

	got, ok := tr.PopSentMessage()
	require.True(t, ok)
	assert.Equal(t, msg, got)
	assert.Equal(t, 0, tr.SentCount())
}

func TestMemoryConnectionTransportReceiveInjectedMessage(t *testing.T) {
	tr := NewMemoryConnectionTransport("peer-1", 4)
	want := doip.NewAliveCheckResponse(0x0E00)
	tr.InjectMessage(want)

	got, err := tr.ReceiveMessage()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestMemoryConnectionTransportPeerCloseEndsReceive(t *testing.T) {
	tr := NewMemoryConnectionTransport("peer-1", 4)
	tr.InjectPeerClose()

	_, err := tr.ReceiveMessage()
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, tr.IsActive())

	// idempotent
	tr.InjectPeerClose()
}

func TestMemoryConnectionTransportSendAfterCloseFails(t *testing.T) {
	tr := NewMemoryConnectionTransport("peer-1", 4)
	require.NoError(t, tr.Close(CloseReasonApplicationRequest))

	_, err := tr.SendMessage(doip.NewAliveCheckRequest())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryConnectionTransportClear(t *testing.T) {
	tr := NewMemoryConnectionTransport("peer-1", 4)
	_, _ = tr.SendMessage(doip.NewAliveCheckRequest())
	_, _ = tr.SendMessage(doip.NewAliveCheckRequest())
	require.Equal(t, 2, tr.SentCount())

	tr.Clear()
	assert.Equal(t, 0, tr.SentCount())
}

func TestTCPServerTransportLoopbackAcceptAndBroadcast(t *testing.T) {
	srv := NewTCPServerTransport(true, doip.DefaultMaxPayloadLength)
	require.NoError(t, srv.Setup(0))
	defer srv.Close()
	assert.True(t, srv.IsActive())

	// No pending connection: AcceptConnection must not block.
	conn, err := srv.AcceptConnection()
	assert.NoError(t, err)
	assert.Nil(t, conn)

	n, err := srv.SendBroadcast(doip.NewAliveCheckRequest(), DefaultTCPPort)
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestTCPServerTransportAcceptsRealConnection(t *testing.T) {
	srv := NewTCPServerTransport(true, doip.DefaultMaxPayloadLength)
	require.NoError(t, srv.Setup(0))
	defer srv.Close()

	addr := srv.Identifier()
	_ = addr // address format only, actual port queried via listener below

	// Dial the ephemeral port the listener actually bound to.
	port := tcpServerPort(t, srv)
	dialConn, err := net.DialTimeout("tcp", "127.0.0.1:"+port, time.Second)
	require.NoError(t, err)
	defer dialConn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := srv.AcceptConnection()
		require.NoError(t, err)
		if conn != nil {
			assert.True(t, conn.IsActive())
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server never accepted pending connection")
}

func tcpServerPort(t *testing.T, srv *TCPServerTransport) string {
	t.Helper()
	_, port, err := net.SplitHostPort(srv.listener.Addr().String())
	require.NoError(t, err)
	return port
}
