package bifaci

import (
	"net"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInProcessPluginHostDispatchesToRegisteredHandler(t *testing.T) {
	host := NewInProcessPluginHost(nil)
	host.Register("echo", "cap:in=media:;out=media:", func(req *Frame, resp ResponseWriter) error {
		return resp.Write("media:", req.Payload)
	})

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	writer := NewFrameWriter(serverConn)
	req := NewReq(NewMessageIdRandom(), "cap:in=media:;out=media:", []byte("hello"), "application/octet-stream")

	go func() {
		require.NoError(t, host.Dispatch(req, writer))
	}()

	reader := NewFrameReader(clientConn)
	var payload []byte
	for {
		frame, err := reader.ReadFrame()
		require.NoError(t, err)
		if frame.FrameType == FrameTypeChunk {
			payload = append(payload, frame.Payload...)
		}
		if frame.FrameType == FrameTypeEnd {
			break
		}
	}
	var decoded []byte
	require.NoError(t, cbor.Unmarshal(payload, &decoded))
	assert.Equal(t, "hello", string(decoded))
}

func TestInProcessPluginHostReturnsNoHandlerErr(t *testing.T) {
	host := NewInProcessPluginHost(nil)

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	writer := NewFrameWriter(serverConn)
	req := NewReq(NewMessageIdRandom(), "cap:in=media:unregistered;out=media:", []byte("x"), "application/octet-stream")

	go host.Dispatch(req, writer)

	reader := NewFrameReader(clientConn)
	frame, err := reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, FrameTypeErr, frame.FrameType)
	assert.Equal(t, ErrCodeNoHandler, frame.ErrorCode())
}

func TestInProcessPluginHostCapabilitiesListsRegisteredCaps(t *testing.T) {
	host := NewInProcessPluginHost(nil)
	host.Register("a", "cap:in=media:;out=media:", nil)
	host.Register("b", "cap:in=media:mp4;out=media:", nil)

	manifest, err := host.Capabilities()
	require.NoError(t, err)
	caps, err := DecodeManifest(manifest)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cap:in=media:;out=media:", "cap:in=media:mp4;out=media:"}, caps)
}

func TestInProcessPluginHostRunAnnouncesManifestWithIdentityPrepended(t *testing.T) {
	host := NewInProcessPluginHost(nil)
	host.Register("echo", "cap:in=media:;out=media:", nil)

	hostSide, testSide := net.Pipe()
	defer hostSide.Close()
	defer testSide.Close()

	go host.Run(hostSide, hostSide)

	reader := NewFrameReader(testSide)
	notify, err := reader.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, FrameTypeRelayNotify, notify.FrameType)

	caps, err := DecodeManifest(notify.RelayNotifyManifest())
	require.NoError(t, err)
	assert.Equal(t, IdentityCap, caps[0])
	assert.Contains(t, caps, "cap:in=media:;out=media:")
}

func TestInProcessPluginHostRunAnswersHeartbeatLocally(t *testing.T) {
	host := NewInProcessPluginHost(nil)

	hostSide, testSide := net.Pipe()
	defer hostSide.Close()
	defer testSide.Close()

	go host.Run(hostSide, hostSide)

	reader := NewFrameReader(testSide)
	writer := NewFrameWriter(testSide)

	_, err := reader.ReadFrame() // RELAY_NOTIFY
	require.NoError(t, err)

	hbId := NewMessageIdRandom()
	require.NoError(t, writer.WriteFrame(NewHeartbeat(hbId)))

	resp, err := reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, FrameTypeHeartbeat, resp.FrameType)
	assert.True(t, resp.Id.Equals(hbId))
}

func TestInProcessPluginHostRunAnswersIdentityRaw(t *testing.T) {
	host := NewInProcessPluginHost(nil)

	hostSide, testSide := net.Pipe()
	defer hostSide.Close()
	defer testSide.Close()

	go host.Run(hostSide, hostSide)

	reader := NewFrameReader(testSide)
	writer := NewFrameWriter(testSide)

	_, err := reader.ReadFrame() // RELAY_NOTIFY
	require.NoError(t, err)

	require.NoError(t, VerifyIdentity(reader, writer))
}

func TestInProcessPluginHostRunReassemblesStreamedArgumentsAndDispatches(t *testing.T) {
	host := NewInProcessPluginHost(nil)
	host.Register("echo", "cap:in=media:text;out=media:text", func(req *Frame, resp ResponseWriter) error {
		return resp.Write("media:", req.Payload)
	})

	hostSide, testSide := net.Pipe()
	defer hostSide.Close()
	defer testSide.Close()

	go host.Run(hostSide, hostSide)

	reader := NewFrameReader(testSide)
	writer := NewFrameWriter(testSide)

	_, err := reader.ReadFrame() // RELAY_NOTIFY
	require.NoError(t, err)

	reqId := NewMessageIdRandom()
	req := NewReq(reqId, "cap:in=media:text;out=media:text", nil, "application/octet-stream")
	require.NoError(t, writer.WriteFrame(req))
	require.NoError(t, writer.WriteChunked(reqId, "arg-stream", "application/octet-stream", []byte("hello")))

	var payload []byte
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			frame, err := reader.ReadFrame()
			require.NoError(t, err)
			if frame.FrameType == FrameTypeChunk {
				payload = append(payload, frame.Payload...)
			}
			if frame.FrameType == FrameTypeEnd {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive dispatched response")
	}

	var decoded []byte
	require.NoError(t, cbor.Unmarshal(payload, &decoded))
	assert.Equal(t, "hello", string(decoded))
}
