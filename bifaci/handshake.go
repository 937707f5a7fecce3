package bifaci

import (
	"github.com/sirupsen/logrus"
)

// HandshakeAccept runs the plugin side of the HELLO exchange: read the
// host's HELLO, answer with our own limits and manifest, and return the
// negotiated Limits both sides will use from then on.
func HandshakeAccept(reader *FrameReader, writer *FrameWriter, manifestData []byte, log *logrus.Entry) (Limits, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	helloFrame, err := reader.ReadFrame()
	if err != nil {
		return Limits{}, &HandshakeFailedError{Reason: "reading HELLO: " + err.Error()}
	}
	if helloFrame.FrameType != FrameTypeHello {
		return Limits{}, &HandshakeFailedError{Reason: "expected HELLO, got " + helloFrame.FrameType.String()}
	}

	hostLimits := limitsFromMeta(helloFrame.Meta)

	response := NewHelloWithManifest(DefaultMaxFrame, DefaultMaxChunk, DefaultMaxReorderBuffer, manifestData)
	if err := writer.WriteFrame(response); err != nil {
		return Limits{}, &HandshakeFailedError{Reason: "writing HELLO response: " + err.Error()}
	}

	negotiated := NegotiateLimits(DefaultLimits(), hostLimits)
	log.WithFields(logrus.Fields{
		"max_frame":          negotiated.MaxFrame,
		"max_chunk":          negotiated.MaxChunk,
		"max_reorder_buffer": negotiated.MaxReorderBuffer,
	}).Debug("handshake accepted, limits negotiated")
	return negotiated, nil
}

// HandshakeInitiate runs the host side of the HELLO exchange: send our
// HELLO, read the peer's manifest-bearing reply, and return the manifest
// plus the negotiated Limits.
func HandshakeInitiate(reader *FrameReader, writer *FrameWriter, log *logrus.Entry) ([]byte, Limits, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	hello := NewHello(DefaultMaxFrame, DefaultMaxChunk, DefaultMaxReorderBuffer)
	if err := writer.WriteFrame(hello); err != nil {
		return nil, Limits{}, &HandshakeFailedError{Reason: "writing HELLO: " + err.Error()}
	}

	response, err := reader.ReadFrame()
	if err != nil {
		return nil, Limits{}, &HandshakeFailedError{Reason: "reading HELLO response: " + err.Error()}
	}
	if response.FrameType != FrameTypeHello {
		return nil, Limits{}, &HandshakeFailedError{Reason: "expected HELLO response, got " + response.FrameType.String()}
	}

	var manifestData []byte
	if response.Meta != nil {
		if manifest, ok := response.Meta["manifest"].([]byte); ok {
			manifestData = manifest
		}
	}
	if manifestData == nil {
		return nil, Limits{}, &HandshakeFailedError{Reason: "peer HELLO missing required manifest"}
	}

	peerLimits := limitsFromMeta(response.Meta)
	negotiated := NegotiateLimits(DefaultLimits(), peerLimits)
	log.WithFields(logrus.Fields{
		"max_frame":          negotiated.MaxFrame,
		"max_chunk":          negotiated.MaxChunk,
		"max_reorder_buffer": negotiated.MaxReorderBuffer,
	}).Debug("handshake initiated, limits negotiated")
	return manifestData, negotiated, nil
}

func limitsFromMeta(meta map[string]interface{}) Limits {
	if meta == nil {
		return DefaultLimits()
	}
	limits := Limits{
		MaxFrame:         extractIntFromMeta(meta, "max_frame"),
		MaxChunk:         extractIntFromMeta(meta, "max_chunk"),
		MaxReorderBuffer: extractIntFromMeta(meta, "max_reorder_buffer"),
	}
	return limits.orDefault()
}
