// Package catalog turns the backend's heterogeneous model list into the
// canonical descriptor sequence served on /api/tags. The list is
// fetched at most once per process; concurrent cold calls share one
// fetch.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/modelfront/ollabridge/pkg/cache"
	"github.com/modelfront/ollabridge/pkg/upstream"
)

type Details struct {
	ParentModel       string   `json:"parent_model"`
	Format            string   `json:"format"`
	Family            string   `json:"family"`
	Families          []string `json:"families"`
	ParameterSize     string   `json:"parameter_size"`
	QuantizationLevel string   `json:"quantization_level"`
}

type Descriptor struct {
	Name       string  `json:"name"`
	Model      string  `json:"model"`
	ModifiedAt string  `json:"modified_at"`
	Size       int64   `json:"size"`
	Digest     string  `json:"digest"`
	Details    Details `json:"details"`
	URLs       []int   `json:"urls"`
}

// Placeholder values for fields the backend has no data for. They are
// deliberate stand-ins, not guesses to be refined per model.
const placeholderSize = 3825819519

// Synthesize builds a descriptor for entries the backend only
// identifies by id and creation epoch.
func Synthesize(id string, created int64) Descriptor {
	return Descriptor{
		Name:       id,
		Model:      id,
		ModifiedAt: time.Unix(created, 0).UTC().Format(time.RFC3339),
		Size:       placeholderSize,
		Digest:     DigestFor(id),
		Details: Details{
			Format:            "gguf",
			Family:            "llama",
			Families:          []string{id},
			ParameterSize:     "7B",
			QuantizationLevel: "Q4_0",
		},
		URLs: []int{0},
	}
}

// normalized applies the descriptor invariants after a canonical
// unwrap: name and model mirror each other, the digest is always the
// hash of the name, and urls is never empty.
func (d Descriptor) normalized() Descriptor {
	if d.Name == "" {
		d.Name = d.Model
	}
	if d.Model == "" {
		d.Model = d.Name
	}
	d.Digest = DigestFor(d.Name)
	if len(d.Details.Families) == 0 {
		d.Details.Families = []string{d.Name}
	}
	if len(d.URLs) == 0 {
		d.URLs = []int{0}
	}
	return d
}

type Catalog struct {
	upstream *upstream.Client
	log      zerolog.Logger
	models   cache.Once[[]Descriptor]

	// OnClassify, when set, observes every classified entry shape.
	OnClassify func(Shape)
}

func New(up *upstream.Client, log zerolog.Logger) *Catalog {
	return &Catalog{upstream: up, log: log}
}

// Models returns the canonical model list, fetching the backend at most
// once per process lifetime.
func (c *Catalog) Models(ctx context.Context) ([]Descriptor, error) {
	return c.models.Get(ctx, c.fetch)
}

// Find looks a model up by name or id; it triggers the same one-time
// fetch as Models.
func (c *Catalog) Find(ctx context.Context, name string) (Descriptor, bool, error) {
	models, err := c.Models(ctx)
	if err != nil {
		return Descriptor{}, false, err
	}
	for _, d := range models {
		if d.Name == name || d.Model == name {
			return d, true, nil
		}
	}
	return Descriptor{}, false, nil
}

func (c *Catalog) fetch(ctx context.Context) ([]Descriptor, error) {
	raw, err := c.upstream.ListModelsRaw(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := decodeEntryList(raw)
	if err != nil {
		return nil, err
	}
	out := make([]Descriptor, 0, len(entries))
	for i, e := range entries {
		cls := Classify(e)
		if c.OnClassify != nil {
			c.OnClassify(cls.Shape)
		}
		switch cls.Shape {
		case ShapeCanonical:
			out = append(out, cls.Descriptor.normalized())
		case ShapeProviderNested, ShapeFlat:
			out = append(out, Synthesize(cls.ID, cls.Created))
		default:
			// One bad entry never fails the whole fetch.
			c.log.Warn().Int("index", i).Msg("skipping model entry with unrecognized shape")
		}
	}
	c.log.Info().Int("models", len(out)).Int("entries", len(entries)).Msg("model catalog loaded")
	return out, nil
}

// decodeEntryList accepts both the {"data": [...]} wrapper and a bare
// array at the root.
func decodeEntryList(raw []byte) ([]map[string]any, error) {
	var wrapper struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Data != nil {
		return wrapper.Data, nil
	}
	var list []map[string]any
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("model list has no recognizable root: %w", err)
	}
	return list, nil
}
