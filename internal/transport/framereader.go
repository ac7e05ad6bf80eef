package transport

import (
	"context"

	"github.com/wb-airbus/soxy/soxylog"
	"github.com/wb-airbus/soxy/internal/chunk"
)

// FrameReader recovers chunk boundaries from a Transport whose Recv does not
// necessarily deliver whole frames (the Citrix and other byte-stream host
// adapters). It grows an internal buffer, appending each Recv'd block and
// repeatedly calling chunk.TryDecode until it reports NeedMore. It is
// harmless to use on a frame-aligned Transport too: each Recv then yields
// exactly one decodable frame.
type FrameReader struct {
	logger soxylog.Logger
	t      Transport
	buf    []byte
}

// NewFrameReader wraps t.
func NewFrameReader(logger soxylog.Logger, t Transport) *FrameReader {
	return &FrameReader{logger: logger, t: t}
}

// Next returns the next decoded Chunk, blocking on the underlying Transport's
// Recv as needed to accumulate enough bytes.
func (r *FrameReader) Next(ctx context.Context) (chunk.Chunk, error) {
	for {
		res := chunk.TryDecode(r.buf)
		if res.Err != nil {
			// Framing errors drop the offending byte with a warning; they
			// must not tear down the transport.
			r.logger.WLogf("discarding invalid chunk: %v", res.Err)
			r.buf = r.buf[1:]
			continue
		}
		if !res.NeedMore {
			r.buf = r.buf[res.Len:]
			return res.Chunk, nil
		}

		block, err := r.t.Recv(ctx)
		if err != nil {
			return chunk.Chunk{}, err
		}
		r.buf = append(r.buf, block...)
	}
}
