package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/modelfront/ollabridge/pkg/config"
	"github.com/modelfront/ollabridge/pkg/upstream"
)

func newTestCatalog(t *testing.T, handler http.HandlerFunc) (*Catalog, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	up, err := upstream.New(config.UpstreamConfig{BaseURL: srv.URL, TimeoutSeconds: 2})
	if err != nil {
		t.Fatalf("new upstream: %v", err)
	}
	return New(up, zerolog.Nop()), srv
}

func TestClassifyShapes(t *testing.T) {
	canonical := map[string]any{
		"id":     "llama3.2:latest",
		"ollama": map[string]any{"name": "llama3.2:latest", "size": float64(42)},
	}
	if e := Classify(canonical); e.Shape != ShapeCanonical || e.Descriptor.Name != "llama3.2:latest" {
		t.Fatalf("canonical entry misclassified: %+v", e)
	}

	encoded := map[string]any{
		"ollama": `{"name":"mistral:7b","model":"mistral:7b","size":7}`,
	}
	if e := Classify(encoded); e.Shape != ShapeCanonical || e.Descriptor.Name != "mistral:7b" {
		t.Fatalf("string-encoded canonical entry misclassified: %+v", e)
	}

	nested := map[string]any{
		"litellm": map[string]any{"id": "gpt-4o", "created": float64(1700000000)},
	}
	if e := Classify(nested); e.Shape != ShapeProviderNested || e.ID != "gpt-4o" || e.Created != 1700000000 {
		t.Fatalf("nested entry misclassified: %+v", e)
	}

	flat := map[string]any{"id": "gpt-4o-mini", "created": float64(1700000001), "object": "model"}
	if e := Classify(flat); e.Shape != ShapeFlat || e.ID != "gpt-4o-mini" {
		t.Fatalf("flat entry misclassified: %+v", e)
	}

	if e := Classify(map[string]any{"name": "no-id-field"}); e.Shape != ShapeUnrecognized {
		t.Fatalf("expected unrecognized, got %+v", e)
	}
	// A malformed canonical container falls through the rest of the chain.
	fallthroughEntry := map[string]any{
		"ollama":  map[string]any{"size": float64(1)},
		"id":      "claude-3",
		"created": float64(1700000002),
	}
	if e := Classify(fallthroughEntry); e.Shape != ShapeFlat || e.ID != "claude-3" {
		t.Fatalf("expected fallthrough to flat, got %+v", e)
	}
}

func TestDigestForKnownVectors(t *testing.T) {
	cases := map[string]string{
		"llama3.2:latest": "17177962e7130a9fe50f07d9058650327164635c12fc381fedc3c2a552886b30",
		"gpt-4o":          "a2a69af70d1b9be70f1abf8218492c5e65aea34285462bd65757cd6f44a7c10e",
		"mistral:7b":      "4eea333d13365cb419fba29da49d70ae966ca9652b230013d0609b1654ffc764",
	}
	for name, want := range cases {
		if got := DigestFor(name); got != want {
			t.Fatalf("digest of %q: expected %s, got %s", name, want, got)
		}
	}
}

func TestSynthesizeUsesCreationEpoch(t *testing.T) {
	d := Synthesize("gpt-4o", 1700000000)
	if d.ModifiedAt != "2023-11-14T22:13:20Z" {
		t.Fatalf("unexpected modified_at: %q", d.ModifiedAt)
	}
	if d.Name != "gpt-4o" || d.Model != "gpt-4o" {
		t.Fatalf("name/model not mirrored: %+v", d)
	}
	if d.Digest != DigestFor("gpt-4o") {
		t.Fatalf("digest mismatch: %q", d.Digest)
	}
	if d.Details.Format != "gguf" || d.Details.QuantizationLevel != "Q4_0" {
		t.Fatalf("unexpected detail placeholders: %+v", d.Details)
	}
	if len(d.Details.Families) != 1 || d.Details.Families[0] != "gpt-4o" {
		t.Fatalf("unexpected families: %v", d.Details.Families)
	}
}

func TestModelsNormalizesMixedList(t *testing.T) {
	payload := `{"data":[
		{"id":"llama3.2:latest","ollama":{"name":"llama3.2:latest","model":"llama3.2:latest","modified_at":"2024-05-01T00:00:00Z","size":2019393189,"digest":"bogus","details":{"format":"gguf","family":"llama","parameter_size":"3.2B","quantization_level":"Q4_K_M"}}},
		{"litellm":{"id":"gpt-4o","created":1700000000}},
		{"id":"gpt-4o-mini","created":1700000001,"object":"model"},
		{"garbage":true}
	]}`
	var shapes []Shape
	var mu sync.Mutex
	c, _ := newTestCatalog(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/models" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(payload))
	})
	c.OnClassify = func(s Shape) {
		mu.Lock()
		shapes = append(shapes, s)
		mu.Unlock()
	}

	models, err := c.Models(context.Background())
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	if len(models) != 3 {
		t.Fatalf("expected 3 descriptors, got %d", len(models))
	}

	canonical := models[0]
	if canonical.Name != "llama3.2:latest" || canonical.Size != 2019393189 {
		t.Fatalf("canonical descriptor mangled: %+v", canonical)
	}
	// The advertised digest is always recomputed from the name.
	if canonical.Digest != DigestFor("llama3.2:latest") {
		t.Fatalf("canonical digest not recomputed: %q", canonical.Digest)
	}
	if canonical.Details.ParameterSize != "3.2B" {
		t.Fatalf("canonical details lost: %+v", canonical.Details)
	}

	for _, d := range models[1:] {
		if d.Size != 3825819519 || d.Details.Format != "gguf" {
			t.Fatalf("synthesized descriptor missing placeholders: %+v", d)
		}
		if d.Digest != DigestFor(d.Name) {
			t.Fatalf("synthesized digest mismatch: %+v", d)
		}
	}

	if len(shapes) != 4 || shapes[3] != ShapeUnrecognized {
		t.Fatalf("unexpected classification trace: %v", shapes)
	}
}

func TestModelsFetchesBackendOnce(t *testing.T) {
	var hits atomic.Int64
	c, _ := newTestCatalog(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"data":[{"id":"gpt-4o","created":1700000000}]}`))
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Models(context.Background()); err != nil {
				t.Errorf("models: %v", err)
			}
		}()
	}
	wg.Wait()
	if _, _, err := c.Find(context.Background(), "gpt-4o"); err != nil {
		t.Fatalf("find: %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("expected a single backend fetch, got %d", got)
	}
}

func TestFindMatchesNameOrModel(t *testing.T) {
	c, _ := newTestCatalog(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"gpt-4o","created":1700000000}]`))
	})
	d, ok, err := c.Find(context.Background(), "gpt-4o")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if d.Name != "gpt-4o" {
		t.Fatalf("unexpected descriptor: %+v", d)
	}
	if _, ok, _ := c.Find(context.Background(), "absent"); ok {
		t.Fatal("expected miss for unknown model")
	}
}

func TestModelsRejectsUnrecognizableRoot(t *testing.T) {
	c, _ := newTestCatalog(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":"nope"}`))
	})
	if _, err := c.Models(context.Background()); err == nil {
		t.Fatal("expected error for unrecognizable root")
	}
}

func TestDescriptorJSONShape(t *testing.T) {
	b, err := json.Marshal(Synthesize("gpt-4o", 1700000000))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"name", "model", "modified_at", "size", "digest", "details", "urls"} {
		if _, ok := m[key]; !ok {
			t.Fatalf("descriptor JSON missing %q: %s", key, b)
		}
	}
	details, ok := m["details"].(map[string]any)
	if !ok {
		t.Fatalf("details not an object: %s", b)
	}
	if details["parameter_size"] != "7B" {
		t.Fatalf("unexpected parameter_size: %v", details["parameter_size"])
	}
}
