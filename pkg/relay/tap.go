package relay

import (
	"bufio"
	"compress/gzip"
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// tapBuffer bounds how many relayed chunks may sit between the primary
// stream and the decoder before feeds start dropping.
const tapBuffer = 32

// tap is the diagnostic side channel: a bounded hand-off into a
// decoding goroutine that logs the stream line by line. It is purely
// observational and may lag or lose chunks, never the primary stream.
type tap struct {
	ch      chan []byte
	once    sync.Once
	dropped atomic.Int64
}

func (rl *Relay) newTap(ctx context.Context, path, direction, encoding string) *tap {
	t := &tap{ch: make(chan []byte, tapBuffer)}
	go rl.runTap(ctx, t, path, direction, encoding)
	return t
}

// feed offers one chunk to the decoder. The chunk is copied because the
// caller reuses its buffer; a full hand-off drops the chunk instead of
// blocking the relay.
func (t *tap) feed(p []byte) {
	cp := append([]byte(nil), p...)
	select {
	case t.ch <- cp:
	default:
		t.dropped.Add(1)
	}
}

// finish signals that no more chunks are coming. The decoder drains
// whatever is buffered and exits.
func (t *tap) finish() {
	t.once.Do(func() { close(t.ch) })
}

func (rl *Relay) runTap(ctx context.Context, t *tap, path, direction, encoding string) {
	log := rl.log.With().Str("tap", direction).Str("path", path).Logger()

	var r io.Reader = &chunkReader{ctx: ctx, ch: t.ch}
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
	case "gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			log.Debug().Err(err).Msg("tap gzip decode failed")
			return
		}
		defer zr.Close()
		r = zr
	case "br":
		r = brotli.NewReader(r)
	case "zstd":
		zr, err := zstd.NewReader(r)
		if err != nil {
			log.Debug().Err(err).Msg("tap zstd decode failed")
			return
		}
		defer zr.Close()
		r = zr
	default:
		log.Debug().Str("encoding", encoding).Msg("tap cannot decode encoding, mirroring raw bytes")
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		log.Debug().Msg(line)
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		log.Debug().Err(err).Msg("tap decode ended early")
	}
	if d := t.dropped.Load(); d > 0 {
		log.Warn().Int64("chunks", d).Msg("tap dropped chunks under backpressure")
		if rl.OnTapDropped != nil {
			rl.OnTapDropped(int(d))
		}
	}
}

// chunkReader adapts the tap hand-off channel into an io.Reader for the
// decoders. Cancellation of the request context unblocks it.
type chunkReader struct {
	ctx  context.Context
	ch   <-chan []byte
	rest []byte
}

func (cr *chunkReader) Read(p []byte) (int, error) {
	for len(cr.rest) == 0 {
		select {
		case <-cr.ctx.Done():
			return 0, cr.ctx.Err()
		case b, ok := <-cr.ch:
			if !ok {
				return 0, io.EOF
			}
			cr.rest = b
		}
	}
	n := copy(p, cr.rest)
	cr.rest = cr.rest[n:]
	return n, nil
}

// feedReader tees request-body bytes into the tap as the transport
// consumes them.
type feedReader struct {
	r io.Reader
	t *tap
}

func (fr *feedReader) Read(p []byte) (int, error) {
	n, err := fr.r.Read(p)
	if n > 0 {
		fr.t.feed(p[:n])
	}
	if err != nil {
		fr.t.finish()
	}
	return n, err
}
