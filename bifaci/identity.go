package bifaci

// IdentityNonce is the fixed payload a peer must echo back verbatim to
// prove it is terminating the protocol itself rather than a transparent
// relay that forwards bytes without understanding them.
const IdentityNonce = "capns-identity-verify"

// IdentityCap is the well-known capability URN that answers identity
// verification requests.
const IdentityCap = "cap:in=media:;out=media:"

// VerifyIdentity sends a REQ against IdentityCap, delivering IdentityNonce
// as one STREAM_START + CHUNK + STREAM_END + END, then reads frames until
// END, checking that the reassembled response payload is exactly
// IdentityNonce. Any STREAM_START/CHUNK/STREAM_END framing is accepted as
// long as the reassembled bytes match; only the final payload content is
// asserted.
func VerifyIdentity(reader *FrameReader, writer *FrameWriter) error {
	reqId := NewMessageIdRandom()
	req := NewReq(reqId, IdentityCap, nil, "application/octet-stream")
	if err := writer.WriteFrame(req); err != nil {
		return &IdentityFailedError{Reason: "writing identity REQ: " + err.Error()}
	}
	streamId := NewMessageIdRandom().ToString()
	if err := writer.WriteChunked(reqId, streamId, IdentityCap, []byte(IdentityNonce)); err != nil {
		return &IdentityFailedError{Reason: "streaming identity nonce: " + err.Error()}
	}

	reassembled := make([]byte, 0, len(IdentityNonce))
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			return &IdentityFailedError{Reason: "reading identity response: " + err.Error()}
		}
		switch frame.FrameType {
		case FrameTypeChunk:
			if err := VerifyChunkChecksum(frame); err != nil {
				return &IdentityFailedError{Reason: "chunk checksum: " + err.Error()}
			}
			reassembled = append(reassembled, frame.Payload...)
		case FrameTypeStreamStart, FrameTypeStreamEnd, FrameTypeLog, FrameTypeHeartbeat:
			continue
		case FrameTypeErr:
			return &IdentityFailedError{Reason: "peer returned ERR: " + frame.ErrorMessage()}
		case FrameTypeEnd:
			if len(frame.Payload) > 0 {
				reassembled = append(reassembled, frame.Payload...)
			}
			if string(reassembled) != IdentityNonce {
				return &IdentityFailedError{Reason: "echoed payload did not match nonce"}
			}
			return nil
		default:
			return &IdentityFailedError{Reason: "unexpected frame type " + frame.FrameType.String() + " during identity verification"}
		}
	}
}

// AnswerIdentity serves an identity verification REQ by reading its
// streamed nonce body (STREAM_START+CHUNK+STREAM_END+END) off reader and
// echoing the reassembled bytes back unchanged via the same shape.
// Callers route a REQ addressed to IdentityCap here, synchronously, before
// handing any other cap to their normal dispatcher — reader must not be
// shared with another concurrent reader of the same connection.
func AnswerIdentity(reader *FrameReader, writer *FrameWriter, req *Frame) error {
	if req.Cap == nil || *req.Cap != IdentityCap {
		return &ProtocolError{Reason: "AnswerIdentity called on non-identity request"}
	}

	responder := NewIdentityResponder()
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			return &IdentityFailedError{Reason: "reading identity request body: " + err.Error()}
		}
		done, err := responder.Feed(frame)
		if err != nil {
			return err
		}
		if done {
			break
		}
	}

	return responder.Answer(writer, req.Id)
}

// IdentityResponder reassembles an identity verification request's
// streamed nonce body one frame at a time, so a caller that cannot block
// on a nested read (an event-loop dispatching frames one at a time from a
// shared reader goroutine) can still answer identity probes correctly.
type IdentityResponder struct {
	payload []byte
}

// NewIdentityResponder returns an empty responder ready to Feed.
func NewIdentityResponder() *IdentityResponder {
	return &IdentityResponder{}
}

// Feed consumes one frame belonging to the identity request body
// (STREAM_START, CHUNK, STREAM_END, or END) and reports whether the body
// is now fully reassembled.
func (r *IdentityResponder) Feed(frame *Frame) (done bool, err error) {
	switch frame.FrameType {
	case FrameTypeStreamStart, FrameTypeStreamEnd:
		return false, nil
	case FrameTypeChunk:
		if err := VerifyChunkChecksum(frame); err != nil {
			return false, &IdentityFailedError{Reason: "chunk checksum: " + err.Error()}
		}
		r.payload = append(r.payload, frame.Payload...)
		return false, nil
	case FrameTypeEnd:
		if len(frame.Payload) > 0 {
			r.payload = append(r.payload, frame.Payload...)
		}
		return true, nil
	default:
		return false, &IdentityFailedError{Reason: "unexpected frame type " + frame.FrameType.String() + " in identity request body"}
	}
}

// Answer echoes the reassembled nonce bytes back as one STREAM_START +
// CHUNK + STREAM_END + END sequence.
func (r *IdentityResponder) Answer(writer *FrameWriter, reqId MessageId) error {
	streamId := NewMessageIdRandom().ToString()
	return writer.WriteChunked(reqId, streamId, IdentityCap, r.payload)
}
