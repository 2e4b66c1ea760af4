// Package transcode converts the backend's SSE chat-completion stream
// into the front's line-delimited JSON framing. Inbound chat bodies are
// rewritten to force streaming, the delta events are re-framed one to
// one, and the output always ends with exactly one terminal frame
// carrying synthesized usage and timing.
package transcode

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/modelfront/ollabridge/pkg/upstream"
)

const (
	ndjsonContentType = "application/x-ndjson"
	doneSentinel      = "[DONE]"
	maxChatBody       = 8 << 20
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Frame is one token delta on the output stream.
type Frame struct {
	Model      string  `json:"model"`
	CreatedAt  string  `json:"created_at"`
	Message    Message `json:"message"`
	DoneReason string  `json:"done_reason,omitempty"`
	Done       bool    `json:"done"`
}

// FinalFrame closes the stream. The six usage fields are always
// present, zeros included; total_duration falls back to the gateway's
// own elapsed measurement because the backend reports no durations.
type FinalFrame struct {
	Frame
	TotalDuration      int64 `json:"total_duration"`
	LoadDuration       int64 `json:"load_duration"`
	PromptEvalCount    int   `json:"prompt_eval_count"`
	PromptEvalDuration int64 `json:"prompt_eval_duration"`
	EvalCount          int   `json:"eval_count"`
	EvalDuration       int64 `json:"eval_duration"`
}

type errorEnvelope struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type Transcoder struct {
	upstream *upstream.Client
	log      zerolog.Logger

	// OnFrame observes every emitted frame; terminal ones flagged.
	OnFrame func(terminal bool)
}

func New(up *upstream.Client, log zerolog.Logger) *Transcoder {
	return &Transcoder{upstream: up, log: log}
}

// streamState is the per-request transcoding state. doneSent moves
// false to true exactly once and never resets.
type streamState struct {
	model    string
	start    time.Time
	doneSent bool
}

// ServeChat handles one inbound chat request end to end.
func (t *Transcoder) ServeChat(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxChatBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read request: %w", err))
		return
	}

	payload := map[string]any{}
	if len(bytes.TrimSpace(body)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(body))
		// Numbers survive the round trip verbatim.
		dec.UseNumber()
		if err := dec.Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("parse request: %w", err))
			return
		}
	}
	model, _ := payload["model"].(string)

	// The backend protocol has no equivalent for these; they vanish
	// silently rather than erroring.
	delete(payload, "keep_alive")
	delete(payload, "options")
	// Streaming is forced only when the caller left it unspecified.
	if _, ok := payload["stream"]; !ok {
		payload["stream"] = true
	}
	outBody, err := json.Marshal(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("encode request: %w", err))
		return
	}

	ctx := r.Context()
	st := streamState{model: model, start: time.Now()}
	resp, err := t.upstream.ChatCompletionsStream(ctx, bytes.NewReader(outBody), "application/json")
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		t.log.Error().Err(err).Msg("backend chat request failed")
		writeError(w, http.StatusBadGateway, err)
		return
	}
	defer resp.Body.Close()

	// A rejected request never starts a stream: one JSON envelope with
	// the raw backend body attached, and we are done.
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		t.log.Warn().Int("status", resp.StatusCode).Str("model", model).Msg("backend rejected chat request")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(errorEnvelope{
			Error:   fmt.Sprintf("upstream returned status %d", resp.StatusCode),
			Details: string(raw),
		})
		return
	}

	w.Header().Set("Content-Type", ndjsonContentType)
	w.WriteHeader(http.StatusOK)
	t.pump(ctx, w, resp.Body, &st)
}

// pump reads the SSE stream line by line and emits one frame per delta
// event, closing with a synthesized terminal frame when the backend
// never produced one.
func (t *Transcoder) pump(ctx context.Context, w http.ResponseWriter, body io.Reader, st *streamState) {
	flusher, _ := w.(http.Flusher)
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == doneSentinel {
			break
		}
		if st.doneSent {
			// Events after the terminal frame are a protocol violation;
			// they are dropped, never forwarded or re-terminated.
			t.log.Warn().Str("payload", truncate(payload, 200)).Msg("dropping stream data after terminal frame")
			continue
		}
		var chunk openai.ChatCompletionStreamResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// One malformed event never kills the stream.
			t.log.Warn().Err(err).Str("payload", truncate(payload, 200)).Msg("skipping malformed stream event")
			continue
		}
		t.emitChunk(w, flusher, st, chunk)
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		t.log.Error().Err(err).Msg("backend stream read failed")
	}
	if !st.doneSent {
		st.doneSent = true
		final := FinalFrame{
			Frame: Frame{
				Model:      st.model,
				CreatedAt:  time.Now().UTC().Format(time.RFC3339),
				Message:    Message{Role: "assistant", Content: ""},
				DoneReason: "stop",
				Done:       true,
			},
			TotalDuration: time.Since(st.start).Nanoseconds(),
		}
		t.writeFrame(w, flusher, final, true)
	}
}

func (t *Transcoder) emitChunk(w io.Writer, flusher http.Flusher, st *streamState, chunk openai.ChatCompletionStreamResponse) {
	model := chunk.Model
	if model == "" {
		model = st.model
	} else {
		st.model = model
	}
	createdAt := time.Unix(chunk.Created, 0).UTC().Format(time.RFC3339)

	var content, finish string
	if len(chunk.Choices) > 0 {
		content = chunk.Choices[0].Delta.Content
		finish = string(chunk.Choices[0].FinishReason)
	}
	if finish == "" || finish == "null" {
		frame := Frame{
			Model:     model,
			CreatedAt: createdAt,
			Message:   Message{Role: "assistant", Content: content},
			Done:      false,
		}
		t.writeFrame(w, flusher, frame, false)
		return
	}

	final := FinalFrame{
		Frame: Frame{
			Model:      model,
			CreatedAt:  createdAt,
			Message:    Message{Role: "assistant", Content: content},
			DoneReason: finish,
			Done:       true,
		},
		TotalDuration: time.Since(st.start).Nanoseconds(),
	}
	if chunk.Usage != nil {
		final.PromptEvalCount = chunk.Usage.PromptTokens
		final.EvalCount = chunk.Usage.CompletionTokens
	}
	st.doneSent = true
	t.writeFrame(w, flusher, final, true)
}

// writeFrame emits one NDJSON line, double-spaced after the terminal
// frame, and flushes immediately to keep token latency low.
func (t *Transcoder) writeFrame(w io.Writer, flusher http.Flusher, v any, terminal bool) {
	b, err := json.Marshal(v)
	if err != nil {
		t.log.Error().Err(err).Msg("encoding frame")
		return
	}
	b = append(b, '\n')
	if terminal {
		b = append(b, '\n')
	}
	if _, err := w.Write(b); err != nil {
		return
	}
	if flusher != nil {
		flusher.Flush()
	}
	if t.OnFrame != nil {
		t.OnFrame(terminal)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: err.Error()})
}
