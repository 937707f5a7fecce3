package bifaci

import (
	"encoding/binary"
	"errors"
	"io"
)

// FrameReader reads length-prefixed CBOR frames from a stream, enforcing
// the negotiated max_frame ceiling on every read.
type FrameReader struct {
	reader io.Reader
	limits Limits
}

// NewFrameReader wraps r with the default limits. Call SetLimits once
// handshake negotiation completes.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{reader: r, limits: DefaultLimits()}
}

// SetLimits installs the negotiated limits.
func (fr *FrameReader) SetLimits(limits Limits) {
	fr.limits = limits
}

// ReadFrame reads one length-prefixed frame: a 4-byte big-endian length
// followed by that many bytes of CBOR.
func (fr *FrameReader) ReadFrame() (*Frame, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(fr.reader, lengthBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, &IOError{Op: "read length prefix", Err: err}
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if int(length) > fr.limits.MaxFrame {
		return nil, &FrameTooLargeError{Size: int(length), Max: fr.limits.MaxFrame}
	}
	if int(length) > MaxFrameHardLimit {
		return nil, &FrameTooLargeError{Size: int(length), Max: MaxFrameHardLimit}
	}

	frameBuf := make([]byte, length)
	if _, err := io.ReadFull(fr.reader, frameBuf); err != nil {
		return nil, &IOError{Op: "read frame body", Err: err}
	}

	return DecodeFrame(frameBuf)
}

// FrameWriter writes length-prefixed CBOR frames to a stream, enforcing the
// negotiated max_frame ceiling on every write.
type FrameWriter struct {
	writer io.Writer
	limits Limits
}

// NewFrameWriter wraps w with the default limits. Call SetLimits once
// handshake negotiation completes.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{writer: w, limits: DefaultLimits()}
}

// SetLimits installs the negotiated limits.
func (fw *FrameWriter) SetLimits(limits Limits) {
	fw.limits = limits
}

// WriteFrame encodes and writes one frame, length-prefixed.
func (fw *FrameWriter) WriteFrame(frame *Frame) error {
	frameBuf, err := EncodeFrame(frame)
	if err != nil {
		return &InvalidFrameError{Reason: err.Error()}
	}

	if len(frameBuf) > fw.limits.MaxFrame {
		return &FrameTooLargeError{Size: len(frameBuf), Max: fw.limits.MaxFrame}
	}
	if len(frameBuf) > MaxFrameHardLimit {
		return &FrameTooLargeError{Size: len(frameBuf), Max: MaxFrameHardLimit}
	}

	var lengthBuf [4]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(frameBuf)))
	if _, err := fw.writer.Write(lengthBuf[:]); err != nil {
		return &IOError{Op: "write length prefix", Err: err}
	}
	if _, err := fw.writer.Write(frameBuf); err != nil {
		return &IOError{Op: "write frame body", Err: err}
	}

	return nil
}

// WriteChunked writes payload as STREAM_START, zero or more CHUNKs bounded
// by the writer's negotiated max_chunk, STREAM_END, then END — the shape
// every large response or identity-verification echo uses.
func (fw *FrameWriter) WriteChunked(requestId MessageId, streamId string, mediaUrn string, payload []byte) error {
	if err := fw.WriteFrame(NewStreamStart(requestId, streamId, mediaUrn)); err != nil {
		return err
	}

	chunkIndex := uint64(0)
	seqAssigner := NewSeqAssigner()
	offset := 0
	for offset < len(payload) {
		remaining := len(payload) - offset
		chunkSize := remaining
		if chunkSize > fw.limits.MaxChunk {
			chunkSize = fw.limits.MaxChunk
		}
		chunkData := payload[offset : offset+chunkSize]

		chunk := NewChunk(requestId, streamId, 0, chunkData, chunkIndex, ComputeChecksum(chunkData))
		seqAssigner.Assign(chunk)
		if err := fw.WriteFrame(chunk); err != nil {
			return err
		}

		offset += chunkSize
		chunkIndex++
	}

	if err := fw.WriteFrame(NewStreamEnd(requestId, streamId, chunkIndex)); err != nil {
		return err
	}
	return fw.WriteFrame(NewEnd(requestId, nil))
}
