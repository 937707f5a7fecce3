package bifaci

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simulateMaster(conn net.Conn, caps []string, handle func(req *Frame, writer *FrameWriter)) {
	go func() {
		reader := NewFrameReader(conn)
		writer := NewFrameWriter(conn)
		manifest, _ := EncodeManifest(caps)
		if err := writer.WriteFrame(NewRelayNotify(manifest, DefaultMaxFrame, DefaultMaxChunk, DefaultMaxReorderBuffer)); err != nil {
			return
		}

		idReq, err := reader.ReadFrame()
		if err != nil {
			return
		}
		if idReq.Cap == nil || *idReq.Cap != IdentityCap {
			return
		}
		if err := AnswerIdentity(reader, writer, idReq); err != nil {
			return
		}

		for {
			req, err := reader.ReadFrame()
			if err != nil {
				return
			}
			handle(req, writer)
		}
	}()
}

func newAttachedMaster(caps []string, handle func(req *Frame, writer *FrameWriter)) (SocketPair, net.Conn) {
	switchSide, masterSide := net.Pipe()
	simulateMaster(masterSide, caps, handle)
	return SocketPair{Read: switchSide, Write: switchSide}, masterSide
}

func TestRelaySwitchAttachVerifiesIdentityAndAggregatesCaps(t *testing.T) {
	sock, masterSide := newAttachedMaster([]string{"cap:in=media:;out=media:"}, func(req *Frame, writer *FrameWriter) {})
	defer masterSide.Close()

	sw, err := NewRelaySwitch([]SocketPair{sock}, nil)
	require.NoError(t, err)
	defer sw.shutdown()

	caps, err := DecodeManifest(sw.Capabilities())
	require.NoError(t, err)
	assert.Equal(t, IdentityCap, caps[0])
	assert.Contains(t, caps, "cap:in=media:;out=media:")
}

func TestRelaySwitchRoutesEngineRequestToMatchingMaster(t *testing.T) {
	sock, masterSide := newAttachedMaster([]string{"cap:in=media:;out=media:"}, func(req *Frame, writer *FrameWriter) {
		writer.WriteFrame(NewEnd(req.Id, []byte("pong")))
	})
	defer masterSide.Close()

	sw, err := NewRelaySwitch([]SocketPair{sock}, nil)
	require.NoError(t, err)
	defer sw.shutdown()

	reqId := NewMessageIdRandom()
	require.NoError(t, sw.SendToMaster(NewReq(reqId, "cap:in=media:;out=media:", []byte("ping"), "application/octet-stream")))

	resp, err := sw.ReadFromMasters()
	require.NoError(t, err)
	assert.Equal(t, FrameTypeEnd, resp.FrameType)
	assert.Equal(t, "pong", string(resp.Payload))
}

func TestRelaySwitchFailsAttachWhenIdentityNotEchoed(t *testing.T) {
	switchSide, masterSide := net.Pipe()
	defer masterSide.Close()

	go func() {
		reader := NewFrameReader(masterSide)
		writer := NewFrameWriter(masterSide)
		manifest, _ := EncodeManifest([]string{"cap:x"})
		writer.WriteFrame(NewRelayNotify(manifest, DefaultMaxFrame, DefaultMaxChunk, DefaultMaxReorderBuffer))
		req, err := reader.ReadFrame()
		if err != nil {
			return
		}
		responder := NewIdentityResponder()
		for {
			frame, err := reader.ReadFrame()
			if err != nil {
				return
			}
			done, _ := responder.Feed(frame)
			if done {
				break
			}
		}
		writer.WriteFrame(NewErr(req.Id, "REFUSED", "nope"))
	}()

	_, err := NewRelaySwitch([]SocketPair{{Read: switchSide, Write: switchSide}}, nil)
	require.Error(t, err)
	var identityErr *IdentityFailedError
	assert.ErrorAs(t, err, &identityErr)
}

func TestRelaySwitchWithNoMastersConstructsWithEmptyCapabilities(t *testing.T) {
	sw, err := NewRelaySwitch(nil, nil)
	require.NoError(t, err)
	defer sw.shutdown()

	caps, err := DecodeManifest(sw.Capabilities())
	require.NoError(t, err)
	assert.Empty(t, caps)

	err = sw.SendToMaster(NewReq(NewMessageIdRandom(), "cap:anything", []byte("x"), "application/octet-stream"))
	require.Error(t, err)
	var noHandler *NoHandlerError
	assert.ErrorAs(t, err, &noHandler)
}

func TestRelaySwitchAddMasterAttachesAtRuntime(t *testing.T) {
	sock, masterSide := newAttachedMaster([]string{"cap:a"}, func(req *Frame, writer *FrameWriter) {})
	defer masterSide.Close()

	sw, err := NewRelaySwitch([]SocketPair{sock}, nil)
	require.NoError(t, err)
	defer sw.shutdown()

	sock2, masterSide2 := newAttachedMaster([]string{"cap:b"}, func(req *Frame, writer *FrameWriter) {})
	defer masterSide2.Close()

	idx, err := sw.addMaster(sock2)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	caps, err := DecodeManifest(sw.Capabilities())
	require.NoError(t, err)
	assert.Contains(t, caps, "cap:a")
	assert.Contains(t, caps, "cap:b")
}

func TestRelaySwitchAnswersPeerIdentityProbe(t *testing.T) {
	switchSide, masterSide := net.Pipe()
	defer masterSide.Close()

	echoed := make(chan []byte, 1)
	go func() {
		reader := NewFrameReader(masterSide)
		writer := NewFrameWriter(masterSide)
		manifest, _ := EncodeManifest([]string{"cap:a"})
		writer.WriteFrame(NewRelayNotify(manifest, DefaultMaxFrame, DefaultMaxChunk, DefaultMaxReorderBuffer))

		idReq, err := reader.ReadFrame()
		if err != nil {
			return
		}
		if err := AnswerIdentity(reader, writer, idReq); err != nil {
			return
		}

		probeId := NewMessageIdRandom()
		writer.WriteFrame(NewReq(probeId, IdentityCap, nil, "application/octet-stream"))
		writer.WriteChunked(probeId, "probe-stream", IdentityCap, []byte(IdentityNonce))

		var payload []byte
		for {
			frame, err := reader.ReadFrame()
			if err != nil {
				return
			}
			if frame.FrameType == FrameTypeChunk {
				payload = append(payload, frame.Payload...)
			}
			if frame.FrameType == FrameTypeEnd {
				echoed <- payload
				return
			}
		}
	}()

	sw, err := NewRelaySwitch([]SocketPair{{Read: switchSide, Write: switchSide}}, nil)
	require.NoError(t, err)
	defer sw.shutdown()

	go func() {
		for {
			if _, err := sw.ReadFromMasters(); err != nil {
				return
			}
		}
	}()

	select {
	case payload := <-echoed:
		assert.Equal(t, IdentityNonce, string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("switch did not answer peer identity probe")
	}
}

func TestRelaySwitchShutdownIsIdempotent(t *testing.T) {
	sock, masterSide := newAttachedMaster([]string{"cap:a"}, func(req *Frame, writer *FrameWriter) {})
	defer masterSide.Close()

	sw, err := NewRelaySwitch([]SocketPair{sock}, nil)
	require.NoError(t, err)

	sw.shutdown()
	sw.shutdown()
}

func TestRelaySwitchPeerRequestFromMasterReachesEngine(t *testing.T) {
	switchSide, masterSide := net.Pipe()
	defer masterSide.Close()

	go func() {
		reader := NewFrameReader(masterSide)
		writer := NewFrameWriter(masterSide)
		manifest, _ := EncodeManifest([]string{"cap:a"})
		writer.WriteFrame(NewRelayNotify(manifest, DefaultMaxFrame, DefaultMaxChunk, DefaultMaxReorderBuffer))

		idReq, err := reader.ReadFrame()
		if err != nil {
			return
		}
		if err := AnswerIdentity(reader, writer, idReq); err != nil {
			return
		}

		writer.WriteFrame(NewReq(NewMessageIdRandom(), "cap:a", []byte("peer call"), "application/octet-stream"))
	}()

	sw, err := NewRelaySwitch([]SocketPair{{Read: switchSide, Write: switchSide}}, nil)
	require.NoError(t, err)
	defer sw.shutdown()

	frame, err := sw.ReadFromMasters()
	require.NoError(t, err)
	assert.Equal(t, FrameTypeReq, frame.FrameType)
	assert.Equal(t, "peer call", string(frame.Payload))
}
