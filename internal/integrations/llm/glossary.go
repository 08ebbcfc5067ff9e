package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// IntentGlossary maps caller phrases straight to intents, overriding
// whatever the classifier decided.
type IntentGlossary struct {
	Terms []GlossaryTerm `yaml:"terms"`
}

type GlossaryTerm struct {
	Phrase string `yaml:"phrase"`
	Intent string `yaml:"intent"`
}

func LoadIntentGlossary(path string) (*IntentGlossary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read glossary: %w", err)
	}
	var g IntentGlossary
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse glossary yaml: %w", err)
	}
	return &g, nil
}

func normalizeTextToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func applyGlossaryOverride(text string, res *Result, glossary *IntentGlossary) {
	if glossary == nil {
		return
	}
	lowered := normalizeTextToken(text)
	for _, term := range glossary.Terms {
		phrase := normalizeTextToken(term.Phrase)
		if phrase != "" && strings.Contains(lowered, phrase) {
			res.Intent = normalizeTextToken(term.Intent)
			if res.Confidence < 0.99 {
				res.Confidence = 0.99
			}
			return
		}
	}
}

type glossaryClassifier struct {
	next     Classifier
	glossary *IntentGlossary
}

// WithGlossary wraps next so glossary phrases win over its output. A
// glossary hit also rescues a failed classification.
func WithGlossary(next Classifier, glossary *IntentGlossary) Classifier {
	return &glossaryClassifier{next: next, glossary: glossary}
}

func (g *glossaryClassifier) Name() string { return g.next.Name() }

func (g *glossaryClassifier) Classify(ctx context.Context, req Request) (Result, error) {
	res, err := g.next.Classify(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return res, err
		}
		hit := Result{Provider: g.next.Name()}
		applyGlossaryOverride(req.Text, &hit, g.glossary)
		if hit.Intent != "" {
			return hit, nil
		}
		return res, err
	}
	applyGlossaryOverride(req.Text, &res, g.glossary)
	return res, nil
}
