// Package relay is the generic streaming forwarder between the front
// surface and the backend: header/body rewrite, optional one-shot
// response replay slot, optional diagnostic tap.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/modelfront/ollabridge/pkg/cache"
	"github.com/modelfront/ollabridge/pkg/upstream"
)

const defaultContentType = "application/octet-stream"

type Options struct {
	BackendPath string
	// CacheSlot, when set, replays a previously captured body instead
	// of contacting the backend, and captures the first body otherwise.
	CacheSlot *cache.Slot
	// ContentType is served with replayed slot bytes.
	ContentType string
	// Tap mirrors decoded request and response bytes into the log.
	Tap bool
}

type Relay struct {
	upstream *upstream.Client
	log      zerolog.Logger

	// OnTapDropped observes tap chunks dropped under backpressure.
	OnTapDropped func(n int)
}

func New(up *upstream.Client, log zerolog.Logger) *Relay {
	return &Relay{upstream: up, log: log}
}

// Forward writes a complete response for r. The slot replay path never
// touches the backend; all other paths stream end to end.
func (rl *Relay) Forward(w http.ResponseWriter, r *http.Request, opts Options) {
	if opts.CacheSlot != nil {
		if body, ok := opts.CacheSlot.Bytes(); ok {
			if opts.Tap {
				rl.log.Warn().Str("path", r.URL.Path).Msg("tap requested for cached response, cached bytes are never retapped")
			}
			w.Header().Set("Content-Type", replayContentType(opts.ContentType))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(body)
			return
		}
	}

	ctx := r.Context()
	body := outboundBody(r)
	var reqTap *tap
	if opts.Tap && body != nil {
		reqTap = rl.newTap(ctx, opts.BackendPath, "request", r.Header.Get("Content-Encoding"))
		body = &feedReader{r: body, t: reqTap}
		defer reqTap.finish()
	}

	out, err := rl.upstream.NewRequest(ctx, r.Method, opts.BackendPath, r.URL.RawQuery, body)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if body != nil {
		// Chunked re-encoding: the inbound length, if any, no longer applies.
		out.ContentLength = -1
	}
	copyRequestHeaders(out, r)
	rl.upstream.Authorize(out)

	resp, err := rl.upstream.DoStream(out)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		rl.log.Error().Err(err).Str("path", opts.BackendPath).Msg("backend request failed")
		writeError(w, http.StatusBadGateway, err)
		return
	}
	defer resp.Body.Close()

	relayResponseHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)

	switch {
	case opts.CacheSlot != nil:
		rl.relayBuffered(w, resp, opts.CacheSlot)
	case opts.Tap:
		respTap := rl.newTap(ctx, opts.BackendPath, "response", resp.Header.Get("Content-Encoding"))
		defer respTap.finish()
		rl.relayStream(ctx, w, resp, respTap)
	default:
		rl.relayStream(ctx, w, resp, nil)
	}
}

// outboundBody decides whether the inbound request carries a body worth
// forwarding: anything with a known positive length or chunked framing.
func outboundBody(r *http.Request) io.Reader {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	if r.ContentLength > 0 || r.ContentLength == -1 || len(r.TransferEncoding) > 0 {
		return r.Body
	}
	return nil
}

// copyRequestHeaders moves every inbound header except Host onto the
// outbound request, without re-validation: callers send non-standard
// keys and they must survive the hop. Content-Length is dropped because
// the outbound body is re-framed chunked.
func copyRequestHeaders(out *http.Request, in *http.Request) {
	for k, vals := range in.Header {
		if strings.EqualFold(k, "Host") || strings.EqualFold(k, "Content-Length") {
			continue
		}
		out.Header[k] = append([]string(nil), vals...)
	}
}

// relayResponseHeaders copies status-line headers to the caller, then
// strips Transfer-Encoding so the serving layer regenerates it.
func relayResponseHeaders(w http.ResponseWriter, resp *http.Response) {
	h := w.Header()
	for k, vals := range resp.Header {
		for _, v := range vals {
			h.Add(k, v)
		}
	}
	h.Del("Transfer-Encoding")
}

// relayBuffered captures the whole body into the slot and replays it to
// the caller. The slot keeps whatever completed first, error statuses
// included; only a complete read is captured.
func (rl *Relay) relayBuffered(w http.ResponseWriter, resp *http.Response, slot *cache.Slot) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		rl.log.Error().Err(err).Msg("reading backend response for capture")
	} else {
		slot.Put(body)
	}
	_, _ = w.Write(body)
}

// relayStream copies the backend body to the caller chunk by chunk,
// flushing as it goes. The tap, when present, sees every relayed chunk
// but can never stall the copy.
func (rl *Relay) relayStream(ctx context.Context, w http.ResponseWriter, resp *http.Response, t *tap) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if t != nil {
				t.feed(buf[:n])
			}
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(readErr, io.EOF) {
			return
		}
		if readErr != nil {
			if ctx.Err() == nil {
				rl.log.Error().Err(readErr).Msg("backend stream read failed")
			}
			return
		}
	}
}

func replayContentType(ct string) string {
	ct = strings.TrimSpace(ct)
	if ct == "" {
		return defaultContentType
	}
	if _, _, err := mime.ParseMediaType(ct); err != nil {
		return defaultContentType
	}
	return ct
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
