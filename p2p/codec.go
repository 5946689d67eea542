package p2p

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/snappy"
)

// Reqresp stream limits.
const (
	maxRequestSize  = 1 << 20  // 1 MiB uncompressed
	maxResponseSize = 10 << 20 // 10 MiB uncompressed
)

// Reqresp result codes, sent as the first byte of every response chunk.
const (
	codeSuccess byte = 0x00
	codeInvalid byte = 0x01
	codeError   byte = 0x02
)

// sszMarshaler is the encode side of the wire types.
type sszMarshaler interface {
	MarshalSSZ() ([]byte, error)
	SizeSSZ() int
}

// sszUnmarshaler is the decode side of the wire types.
type sszUnmarshaler interface {
	UnmarshalSSZ(buf []byte) error
}

// encodeGossip snappy block-compresses the SSZ encoding of msg, the
// format pubsub topics carry.
func encodeGossip(msg sszMarshaler) ([]byte, error) {
	raw, err := msg.MarshalSSZ()
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

// decompressGossip reverses the snappy block compression, bounded by
// the gossip payload limit.
func decompressGossip(data []byte) ([]byte, error) {
	n, err := snappy.DecodedLen(data)
	if err != nil {
		return nil, fmt.Errorf("malformed snappy payload: %w", err)
	}
	if n > maxGossipSize {
		return nil, fmt.Errorf("payload of %d bytes exceeds limit of %d", n, maxGossipSize)
	}
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("malformed snappy payload: %w", err)
	}
	return raw, nil
}

// decodeGossip decompresses and SSZ-decodes one gossip payload.
func decodeGossip(data []byte, msg sszUnmarshaler) error {
	raw, err := decompressGossip(data)
	if err != nil {
		return err
	}
	return msg.UnmarshalSSZ(raw)
}

// writeChunk frames one SSZ message on a reqresp stream: uvarint length
// of the uncompressed encoding, then the snappy block.
func writeChunk(w io.Writer, msg sszMarshaler) error {
	raw, err := msg.MarshalSSZ()
	if err != nil {
		return err
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(raw)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	_, err = w.Write(snappy.Encode(nil, raw))
	return err
}

// readChunk reads one framed message, enforcing limit on the declared
// uncompressed size. The sender half-closes after the chunk, so the
// compressed block runs to EOF.
func readChunk(r io.Reader, limit int, msg sszUnmarshaler) error {
	size, err := binary.ReadUvarint(byteReader{r})
	if err != nil {
		return err
	}
	if size > uint64(limit) {
		return fmt.Errorf("chunk of %d bytes exceeds limit of %d", size, limit)
	}
	// Snappy block format caps expansion at 32 + n + n/6.
	maxCompressed := 32 + size + size/6
	compressed, err := io.ReadAll(io.LimitReader(r, int64(maxCompressed)+1))
	if err != nil {
		return err
	}
	if uint64(len(compressed)) > maxCompressed {
		return fmt.Errorf("compressed chunk exceeds snappy bound")
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return fmt.Errorf("malformed snappy chunk: %w", err)
	}
	if uint64(len(raw)) != size {
		return fmt.Errorf("chunk declared %d bytes, decoded %d", size, len(raw))
	}
	return msg.UnmarshalSSZ(raw)
}

// writeResponse sends a result code followed by a framed message;
// error responses carry only the code.
func writeResponse(w io.Writer, code byte, msg sszMarshaler) error {
	if _, err := w.Write([]byte{code}); err != nil {
		return err
	}
	if code != codeSuccess || msg == nil {
		return nil
	}
	return writeChunk(w, msg)
}

// readResponse reads a result code and, on success, the framed message.
func readResponse(r io.Reader, limit int, msg sszUnmarshaler) error {
	var code [1]byte
	if _, err := io.ReadFull(r, code[:]); err != nil {
		return err
	}
	if code[0] != codeSuccess {
		return fmt.Errorf("peer responded with error code %d", code[0])
	}
	return readChunk(r, limit, msg)
}

// byteReader adapts an io.Reader for binary.ReadUvarint without
// buffering past the varint.
type byteReader struct {
	r io.Reader
}

func (b byteReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}
