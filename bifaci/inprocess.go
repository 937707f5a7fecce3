package bifaci

import (
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"

	"github.com/pluginmesh/bifaci/capurn"
)

// ResponseWriter is the narrow streaming-response surface an in-process
// handler writes to. It hides the STREAM_START/CHUNK/STREAM_END/END
// framing a wire-connected plugin would have to manage by hand.
type ResponseWriter interface {
	// Write CBOR-encodes payload and sends it as a single chunked
	// response stream, terminating the request. Call at most once.
	Write(mediaUrn string, payload []byte) error
	// Fail terminates the request with an ERR frame.
	Fail(code, message string) error
}

// syncFrameWriter serializes writes from the Run loop's per-request
// goroutines onto one underlying FrameWriter.
type syncFrameWriter struct {
	mu     sync.Mutex
	writer *FrameWriter
}

func (w *syncFrameWriter) WriteFrame(frame *Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writer.WriteFrame(frame)
}

func (w *syncFrameWriter) WriteChunked(requestId MessageId, streamId string, mediaUrn string, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writer.WriteChunked(requestId, streamId, mediaUrn, payload)
}

type frameResponseWriter struct {
	writer    *syncFrameWriter
	requestId MessageId
}

// Write CBOR-encodes payload and streams it as STREAM_START + CHUNK +
// STREAM_END + END — every normal handler emission goes out CBOR-wrapped,
// unlike the identity cap's raw nonce echo.
func (w *frameResponseWriter) Write(mediaUrn string, payload []byte) error {
	encoded, err := cbor.Marshal(payload)
	if err != nil {
		return &InvalidFrameError{Reason: "encoding response payload: " + err.Error()}
	}
	streamId := NewMessageIdRandom().ToString()
	return w.writer.WriteChunked(w.requestId, streamId, mediaUrn, encoded)
}

func (w *frameResponseWriter) Fail(code, message string) error {
	return w.writer.WriteFrame(NewErr(w.requestId, code, message))
}

// InProcessHandler answers one REQ without ever touching the wire: no
// subprocess, no framing, just a Go closure invoked with the request
// payload.
type InProcessHandler func(req *Frame, resp ResponseWriter) error

type inProcessEntry struct {
	name    string
	capUrn  string
	handler InProcessHandler
}

// InProcessPluginHost is a PluginHost for handlers that live in the same
// process: an in-memory (name, cap, handler) table with the same
// closest-specificity cap routing PluginHost uses for out-of-process
// plugins, but no subprocess lifecycle, no manifest parsing, and no wire
// framing on the handler side — only on the caller-facing side, so an
// InProcessPluginHost can sit behind the same relay connection a
// PluginHost would.
type InProcessPluginHost struct {
	matcher capurn.Matcher
	entries []inProcessEntry
	log     *logrus.Entry
}

// NewInProcessPluginHost returns an empty host using exact-match routing.
// log may be nil, in which case logrus.StandardLogger() is used.
func NewInProcessPluginHost(log *logrus.Entry) *InProcessPluginHost {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &InProcessPluginHost{matcher: capurn.ExactMatcher{}, log: log}
}

// Register adds a named handler for capUrn. At dispatch time the most
// specific accepting registration wins; among equally specific ones the
// earliest registration wins.
func (h *InProcessPluginHost) Register(name string, capUrn string, handler InProcessHandler) {
	h.entries = append(h.entries, inProcessEntry{name: name, capUrn: capUrn, handler: handler})
}

// Capabilities returns the flat manifest of every registered cap.
func (h *InProcessPluginHost) Capabilities() ([]byte, error) {
	caps := make([]string, len(h.entries))
	for i, e := range h.entries {
		caps[i] = e.capUrn
	}
	return EncodeManifest(caps)
}

// Dispatch routes req to its closest-specificity handler and writes the
// handler's response (or a NO_HANDLER ERR if nothing matches) to writer.
// req.Payload is used directly: callers invoking Dispatch on their own
// already have a fully-assembled request in hand. Run, by contrast, owns
// the wire and reassembles each REQ's streamed argument body itself before
// reaching this same routing logic.
func (h *InProcessPluginHost) Dispatch(req *Frame, writer *FrameWriter) error {
	return h.route(req, &syncFrameWriter{writer: writer})
}

func (h *InProcessPluginHost) route(req *Frame, writer *syncFrameWriter) error {
	if req.Cap == nil {
		return writer.WriteFrame(NewErr(req.Id, ErrCodeInvalidFrame, "REQ frame missing cap URN"))
	}

	registered := make([]string, len(h.entries))
	for i, e := range h.entries {
		registered[i] = e.capUrn
	}
	idx := capurn.Best(h.matcher, *req.Cap, registered)
	if idx < 0 {
		return writer.WriteFrame(NewErr(req.Id, ErrCodeNoHandler, (&NoHandlerError{CapUrn: *req.Cap}).Error()))
	}

	resp := &frameResponseWriter{writer: writer, requestId: req.Id}
	if err := h.entries[idx].handler(req, resp); err != nil {
		return resp.Fail(ErrCodeProtocolError, err.Error())
	}
	return nil
}

// Run drives an in-process host directly over a pair of handles, as if it
// were a plugin at the far end of a PluginHost's attach: on start it writes
// a RELAY_NOTIFY manifest with the identity cap prepended, then serves
// frames off localRead until EOF or a fatal protocol error. HEARTBEAT is
// answered locally; REQ against the identity cap is answered by echoing its
// streamed nonce body raw (no CBOR wrapping), matching RelaySwitch's
// verifier; every other REQ has its STREAM_START/CHUNK/STREAM_END/END
// argument body reassembled on this loop, then dispatched to its handler
// in its own goroutine so a slow handler never blocks HEARTBEAT replies or
// the next request's argument reassembly. The underlying writer is shared
// across those goroutines through a mutex, never written to directly.
func (h *InProcessPluginHost) Run(localRead io.Reader, localWrite io.Writer) error {
	reader := NewFrameReader(localRead)
	rawWriter := NewFrameWriter(localWrite)
	writer := &syncFrameWriter{writer: rawWriter}

	caps := make([]string, len(h.entries))
	for i, e := range h.entries {
		caps[i] = e.capUrn
	}
	manifest, err := EncodeManifest(MergeManifests([]string{IdentityCap}, caps))
	if err != nil {
		return err
	}
	if err := writer.WriteFrame(NewRelayNotify(manifest, DefaultMaxFrame, DefaultMaxChunk, DefaultMaxReorderBuffer)); err != nil {
		return err
	}

	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		switch frame.FrameType {
		case FrameTypeHeartbeat:
			if err := writer.WriteFrame(NewHeartbeat(frame.Id)); err != nil {
				return err
			}

		case FrameTypeReq:
			if frame.Cap != nil && *frame.Cap == IdentityCap {
				writer.mu.Lock()
				err := AnswerIdentity(reader, rawWriter, frame)
				writer.mu.Unlock()
				if err != nil {
					return err
				}
				continue
			}

			payload, err := readArgumentStream(reader)
			if err != nil {
				return err
			}
			req := *frame
			req.Payload = payload
			go func() {
				if err := h.route(&req, writer); err != nil {
					h.log.WithField("request_id", req.Id.ToString()).WithError(err).Warn("in-process dispatch failed")
				}
			}()

		case FrameTypeHello, FrameTypeRelayNotify, FrameTypeRelayState:
			return &ProtocolError{Reason: "unexpected " + frame.FrameType.String() + " after handshake"}
		}
	}
}

// readArgumentStream reassembles one REQ's argument body: the
// STREAM_START + CHUNK* + STREAM_END + END sequence the full protocol
// always sends following a REQ, mirroring VerifyIdentity's reassembly of
// the identity nonce.
func readArgumentStream(reader *FrameReader) ([]byte, error) {
	var payload []byte
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			return nil, &IOError{Op: "read request argument body", Err: err}
		}
		switch frame.FrameType {
		case FrameTypeStreamStart:
			continue
		case FrameTypeChunk:
			if err := VerifyChunkChecksum(frame); err != nil {
				return nil, err
			}
			payload = append(payload, frame.Payload...)
		case FrameTypeStreamEnd:
			continue
		case FrameTypeEnd:
			if len(frame.Payload) > 0 {
				payload = append(payload, frame.Payload...)
			}
			return payload, nil
		default:
			return nil, &ProtocolError{Reason: "unexpected frame type " + frame.FrameType.String() + " in request argument body"}
		}
	}
}
