package dispatch

import (
	"bytes"
	"errors"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/polisai/sigma-convertd/pkg/domain"
)

// ValidateRuleYAML checks that rule is syntactically valid YAML. Every
// document of a multi-document stream is decoded; a collection given as a
// top-level sequence is accepted. Semantics are left to the engine.
func ValidateRuleYAML(rule string) error {
	if strings.TrimSpace(rule) == "" {
		return domain.Errorf(domain.KindMalformedRuleYAML, "rule is empty")
	}

	dec := yaml.NewDecoder(bytes.NewBufferString(rule))
	docs := 0
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return domain.Errorf(domain.KindMalformedRuleYAML, "rule document %d: %w", docs+1, err)
		}
		docs++
	}

	if docs == 0 {
		return domain.Errorf(domain.KindMalformedRuleYAML, "rule contains no yaml document")
	}
	return nil
}
