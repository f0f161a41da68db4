package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/sigma-convertd/pkg/domain"
)

type fakeCatalog struct {
	pipelines []domain.PipelineInfo
	err       error
	calls     int
}

func (f *fakeCatalog) Targets(context.Context) ([]domain.Target, error) {
	return []domain.Target{{ID: "splunk"}, {ID: "elasticsearch"}}, nil
}

func (f *fakeCatalog) Formats(context.Context, string) ([]domain.Format, error) {
	return nil, nil
}

func (f *fakeCatalog) Pipelines(_ context.Context, target string) ([]domain.PipelineInfo, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return domain.FilterPipelines(f.pipelines, target), nil
}

func newCatalog() *fakeCatalog {
	return &fakeCatalog{pipelines: []domain.PipelineInfo{
		{ID: "sysmon", AllowedTargets: []string{}},
		{ID: "windows", AllowedTargets: []string{}},
		{ID: "splunk_windows", AllowedTargets: []string{"splunk"}},
		{ID: "ecs_windows", AllowedTargets: []string{"elasticsearch"}},
	}}
}

func newComposer(opts Options) *Composer {
	return NewComposer(opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestComposeOrdersNamedBeforeCustom(t *testing.T) {
	c := newComposer(Options{})

	composed, err := c.Compose(context.Background(), newCatalog(), "splunk",
		[]string{"windows", "sysmon", "windows"},
		fieldMapping+"---\n"+prefixPipeline)
	require.NoError(t, err)

	require.Equal(t, 5, composed.Len())
	assert.Equal(t, []string{"windows", "sysmon", "windows"}, composed.Names(), "order and duplicates preserved")
	assert.Equal(t, 2, composed.CustomCount())
	assert.Equal(t, fieldMapping, composed.Stages[3].Custom)
	assert.Equal(t, prefixPipeline, composed.Stages[4].Custom)
}

func TestComposeEmpty(t *testing.T) {
	catalog := newCatalog()
	composed, err := newComposer(Options{}).Compose(context.Background(), catalog, "splunk", nil, "")
	require.NoError(t, err)
	assert.Zero(t, composed.Len())
	assert.Zero(t, catalog.calls, "no catalog lookup without named pipelines")
}

func TestComposeUnknownPipeline(t *testing.T) {
	c := newComposer(Options{})

	tests := []struct {
		name   string
		target string
		ids    []string
	}{
		{name: "nonexistent", target: "splunk", ids: []string{"nonexistent"}},
		{name: "incompatible with target", target: "splunk", ids: []string{"sysmon", "ecs_windows"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Compose(context.Background(), newCatalog(), tt.target, tt.ids, "")
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrUnknownPipeline))
		})
	}
}

func TestComposeCatalogFailureIsClassified(t *testing.T) {
	catalog := &fakeCatalog{err: errors.New("pipe closed")}
	_, err := newComposer(Options{}).Compose(context.Background(), catalog, "splunk", []string{"sysmon"}, "")
	require.Error(t, err)
	assert.Equal(t, domain.KindInternalEngine, domain.KindOf(err))
}

func TestComposeEnforceCustomTargets(t *testing.T) {
	lenient := newComposer(Options{})
	_, err := lenient.Compose(context.Background(), newCatalog(), "elasticsearch", nil, prefixPipeline)
	require.NoError(t, err, "custom pipelines are not target-checked by default")

	strict := newComposer(Options{EnforceCustomTargets: true})
	_, err = strict.Compose(context.Background(), newCatalog(), "elasticsearch", nil, prefixPipeline)
	require.Error(t, err)
	assert.Equal(t, domain.KindUnknownPipeline, domain.KindOf(err))
	assert.Contains(t, err.Error(), "prefix")

	_, err = strict.Compose(context.Background(), newCatalog(), "splunk", nil, prefixPipeline+"---\n"+fieldMapping)
	require.NoError(t, err)
}

func genCustomDoc(t *rapid.T, label string) string {
	name := rapid.StringMatching(`[a-z]{1,8}`).Draw(t, label)
	return fmt.Sprintf("name: p_%s\ntransformations:\n  - type: field_name_prefix\n    prefix: %s_\n", name, name)
}

func TestConcatIsAssociativeAndOrderPreserving(t *testing.T) {
	genComposed := rapid.Custom(func(t *rapid.T) Composed {
		n := rapid.IntRange(0, 4).Draw(t, "n")
		stages := make([]domain.PipelineStage, n)
		for i := range stages {
			if rapid.Bool().Draw(t, "custom") {
				stages[i] = domain.PipelineStage{Custom: genCustomDoc(t, "doc")}
			} else {
				stages[i] = domain.PipelineStage{Name: rapid.SampledFrom([]string{"sysmon", "windows"}).Draw(t, "name")}
			}
		}
		return Composed{Stages: stages}
	})

	rapid.Check(t, func(t *rapid.T) {
		a := genComposed.Draw(t, "a")
		b := genComposed.Draw(t, "b")
		c := genComposed.Draw(t, "c")

		left := Concat(Concat(a, b), c)
		right := Concat(a, Concat(b, c))
		if len(left.Stages) != len(right.Stages) {
			t.Fatalf("length mismatch: %d vs %d", len(left.Stages), len(right.Stages))
		}
		for i := range left.Stages {
			if left.Stages[i] != right.Stages[i] {
				t.Fatalf("stage %d differs: %+v vs %+v", i, left.Stages[i], right.Stages[i])
			}
		}

		want := append(append(append([]domain.PipelineStage{}, a.Stages...), b.Stages...), c.Stages...)
		for i := range want {
			if left.Stages[i] != want[i] {
				t.Fatalf("stage %d out of order", i)
			}
		}
	})
}

func TestComposeEqualsResolvedThenParsed(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ids := rapid.SliceOfN(rapid.SampledFrom([]string{"sysmon", "windows", "splunk_windows"}), 0, 5).Draw(t, "ids")
		docs := rapid.SliceOfN(rapid.Custom(func(t *rapid.T) string { return genCustomDoc(t, "doc") }), 0, 3).Draw(t, "docs")

		c := newComposer(Options{})
		ctx := context.Background()
		catalog := newCatalog()

		composed, err := c.Compose(ctx, catalog, "splunk", ids, strings.Join(docs, "---\n"))
		if err != nil {
			t.Fatalf("compose: %v", err)
		}

		named, err := c.Named(ctx, catalog, "splunk", ids)
		if err != nil {
			t.Fatalf("named: %v", err)
		}
		custom, err := c.Custom("splunk", strings.Join(docs, "---\n"))
		if err != nil {
			t.Fatalf("custom: %v", err)
		}
		expected := Concat(named, custom)

		if len(composed.Stages) != len(ids)+len(docs) {
			t.Fatalf("expected %d stages, got %d", len(ids)+len(docs), len(composed.Stages))
		}
		for i := range expected.Stages {
			if composed.Stages[i] != expected.Stages[i] {
				t.Fatalf("stage %d differs", i)
			}
		}
		for i, id := range ids {
			if composed.Stages[i].Name != id {
				t.Fatalf("stage %d: want %q, got %q", i, id, composed.Stages[i].Name)
			}
		}
		for i, doc := range docs {
			if composed.Stages[len(ids)+i].Custom != doc {
				t.Fatalf("custom stage %d does not match its document", i)
			}
		}
	})
}

func TestMalformedLaterSegmentFailsWholeComposition(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		valid := rapid.SliceOfN(rapid.Custom(func(t *rapid.T) string { return genCustomDoc(t, "doc") }), 1, 3).Draw(t, "valid")
		broken := rapid.SampledFrom([]string{
			"name: [unclosed\n",
			"transformations:\n  - mapping: {a: b}\n",
			"unexpected_key: 1\n",
			"plain scalar\n",
		}).Draw(t, "broken")

		text := strings.Join(append(valid, broken), "---\n")
		composed, err := newComposer(Options{}).Compose(context.Background(), newCatalog(), "splunk", []string{"sysmon"}, text)
		if err == nil {
			t.Fatalf("expected failure, got %d stages", composed.Len())
		}
		if domain.KindOf(err) != domain.KindMalformedPipelineYAML {
			t.Fatalf("expected MalformedPipelineYaml, got %v", err)
		}
		if composed.Len() != 0 {
			t.Fatalf("partial result returned")
		}
		if !strings.Contains(err.Error(), fmt.Sprintf("document %d of %d", len(valid)+1, len(valid)+1)) {
			t.Fatalf("error does not name the failing document: %v", err)
		}
	})
}
