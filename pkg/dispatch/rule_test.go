package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/polisai/sigma-convertd/pkg/domain"
)

func TestValidateRuleYAML(t *testing.T) {
	tests := []struct {
		name  string
		input string
		valid bool
	}{
		{name: "single rule", input: minimalRule, valid: true},
		{name: "rule collection", input: minimalRule + "---\naction: repeat\ntitle: second\n", valid: true},
		{name: "top level sequence", input: "- title: a\n- title: b\n", valid: true},
		{name: "nested mapping values", input: "not: valid: yaml: :", valid: false},
		{name: "unterminated flow", input: "detection: {selection: [a, b\n", valid: false},
		{name: "bad second document", input: minimalRule + "---\ntitle: [oops\n", valid: false},
		{name: "comment only", input: "# nothing here\n", valid: false},
		{name: "whitespace", input: "\n\t\n", valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRuleYAML(tt.input)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			assert.Equal(t, domain.KindMalformedRuleYAML, domain.KindOf(err))
		})
	}
}
