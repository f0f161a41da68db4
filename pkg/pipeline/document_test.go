package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/sigma-convertd/pkg/domain"
)

const fieldMapping = `name: field mapping
priority: 30
transformations:
  - id: image_mapping
    type: field_name_mapping
    mapping:
      Image: process.executable
`

const prefixPipeline = `name: prefix
allowed_backends:
  - splunk
transformations:
  - type: field_name_prefix
    prefix: "win."
`

func TestSplitDocuments(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "single document",
			input: "name: a\n",
			want:  []string{"name: a\n"},
		},
		{
			name:  "leading separator",
			input: "---\nname: a\n---\nname: b\n",
			want:  []string{"name: a\n", "name: b\n"},
		},
		{
			name:  "separator with comment and trailing whitespace",
			input: "name: a\n---   # second\nname: b\n--- \nname: c",
			want:  []string{"name: a\n", "name: b\n", "name: c\n"},
		},
		{
			name:  "header comment only segment is dropped",
			input: "# custom mappings\n\n---\nname: a\n",
			want:  []string{"name: a\n"},
		},
		{
			name:  "dashes inside a value do not split",
			input: "name: a\nvars:\n  sep: '---x'\n",
			want:  []string{"name: a\nvars:\n  sep: '---x'\n"},
		},
		{
			name:  "crlf line endings",
			input: "name: a\r\n---\r\nname: b\r\n",
			want:  []string{"name: a\n", "name: b\n"},
		},
		{
			name:  "empty",
			input: "   \n\n",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			segments := SplitDocuments(tt.input)
			var got []string
			for i, s := range segments {
				assert.Equal(t, i+1, s.Index)
				got = append(got, s.Text)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCustom(t *testing.T) {
	def, err := ParseCustom(fieldMapping)
	require.NoError(t, err)
	assert.Equal(t, "field mapping", def.Name)
	assert.Equal(t, 30, def.Priority)
	require.Len(t, def.Transformations, 1)
	assert.Equal(t, "field_name_mapping", def.Transformations[0].Type())
	assert.True(t, def.AllowsTarget("anything"))

	scoped, err := ParseCustom(prefixPipeline)
	require.NoError(t, err)
	assert.True(t, scoped.AllowsTarget("splunk"))
	assert.False(t, scoped.AllowsTarget("elasticsearch"))
}

func TestParseCustomRejects(t *testing.T) {
	tests := map[string]string{
		"not yaml":            "name: [unclosed",
		"scalar document":     "just a string",
		"sequence document":   "- a\n- b\n",
		"unknown key":         "name: a\ntransformatons: []\n",
		"item without type":   "transformations:\n  - mapping: {a: b}\n",
		"item not a mapping":  "transformations:\n  - field_name_mapping\n",
		"null item":           "finalizers:\n  -\n",
		"negative priority":   "priority: -1\n",
		"empty":               "",
		"bad allowed targets": "allowed_backends: splunk\n",
	}

	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCustom(input)
			require.Error(t, err)
		})
	}
}

func TestParseDocumentsNamesFailingSegment(t *testing.T) {
	_, _, err := ParseDocuments(fieldMapping + "---\n" + "transformations:\n  - mapping: {a: b}\n")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrMalformedPipelineYAML))
	assert.Contains(t, err.Error(), "pipeline document 2 of 2")
}
