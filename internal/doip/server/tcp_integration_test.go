package server_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eshenhu/doipgwd/internal/doip"
	"github.com/eshenhu/doipgwd/internal/doip/conn"
	"github.com/eshenhu/doipgwd/internal/doip/conntest"
	"github.com/eshenhu/doipgwd/internal/doip/model"
	"github.com/eshenhu/doipgwd/internal/doip/server"
	"github.com/eshenhu/doipgwd/internal/doip/transport"
)

// This file drives internal/doip/server through a real TCP socket using
// conntest.Client, instead of transport.MemoryConnectionTransport, to
// exercise the full transport.TCPServerTransport/TCPConnectionTransport
// path end to end.

const testerSource doip.Address = 0x0E00

func newLoopbackServer(t *testing.T, mdl func() *model.Model, connCfg conn.Config) (*server.Server, string) {
	t.Helper()
	tr := transport.NewTCPServerTransport(true, doip.DefaultMaxPayloadLength)

	var vin doip.VIN
	copy(vin[:], "TESTVIN00000000001")

	s := server.New(server.Config{
		TCPPort:        0,
		VIN:            vin,
		LogicalAddress: 0x1000,
		ConnConfig:     connCfg,
	}, tr, mdl, nil, nil)

	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)

	return s, fmt.Sprintf("127.0.0.1:%d", tr.Port())
}

func TestTCPRoundTripRoutingActivationAndDiagnosticEcho(t *testing.T) {
	mdl := func() *model.Model {
		return &model.Model{
			DownstreamHandler: true,
			OnDownstreamRequest: func(ctx model.Context, msg doip.Message, respond model.Respond) model.DownstreamStatus {
				data, _ := msg.UserData()
				echoed := append([]byte{0xEE}, data...)
				respond(model.DownstreamHandled, echoed)
				return model.DownstreamPending
			},
		}
	}
	_, addr := newLoopbackServer(t, mdl, conn.Config{})

	c, err := conntest.Dial(addr, testerSource)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetReadTimeout(2*time.Second))

	require.NoError(t, c.Activate(0x00))

	ack, response, err := c.Exchange(0x1000, []byte{0x10, 0x03})
	require.NoError(t, err)
	assert.Equal(t, doip.DiagnosticMessagePositiveAck, ack.Type)

	assert.Equal(t, doip.DiagnosticMessage, response.Type)
	data, ok := response.UserData()
	require.True(t, ok)
	assert.Equal(t, []byte{0xEE, 0x10, 0x03}, data)
}

func TestTCPRoundTripRoutingActivationDeniedForNonTesterSource(t *testing.T) {
	_, addr := newLoopbackServer(t, func() *model.Model { return &model.Model{} }, conn.Config{})

	c, err := conntest.Dial(addr, 0x1234)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetReadTimeout(2*time.Second))

	err = c.Activate(0x00)
	assert.Error(t, err)
}

// TestTCPRoundTripAliveCheckKeepsConnectionOpen drives the server's own
// alive-check probe (triggered by GeneralInactivity timing out) over a
// real socket: the server sends AliveCheckRequest, the tester answers,
// and the connection survives rather than closing. The model has no
// downstream handler, so the message after the positive ack is the
// server's next alive check once GeneralInactivity expires again.
func TestTCPRoundTripAliveCheckKeepsConnectionOpen(t *testing.T) {
	_, addr := newLoopbackServer(t, func() *model.Model { return &model.Model{} }, conn.Config{
		GeneralInactivity: 50 * time.Millisecond,
		AliveCheckTimeout: 2 * time.Second,
	})

	c, err := conntest.Dial(addr, testerSource)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetReadTimeout(2*time.Second))
	require.NoError(t, c.Activate(0x00))

	require.NoError(t, c.AliveCheckRespond())

	ack, response, err := c.Exchange(0x1000, []byte{0x01})
	require.NoError(t, err)
	assert.Equal(t, doip.DiagnosticMessagePositiveAck, ack.Type)
	assert.Equal(t, doip.NewAliveCheckRequest(), response)
}
