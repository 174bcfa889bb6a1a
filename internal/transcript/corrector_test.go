package transcript

import (
	"testing"
)

var biologyGlossary = []string{
	"mitochondria",
	"photosynthesis",
	"endoplasmic reticulum",
	"Pythagorean theorem",
}

func TestCorrectorFixesNearMiss(t *testing.T) {
	c := NewCorrector(biologyGlossary)

	got, corrections := c.Apply("the mitocondria is the powerhouse")
	if got != "the mitochondria is the powerhouse" {
		t.Errorf("corrected = %q", got)
	}
	if len(corrections) != 1 {
		t.Fatalf("corrections = %d, want 1", len(corrections))
	}
	if corrections[0].Original != "mitocondria" || corrections[0].Corrected != "mitochondria" {
		t.Errorf("correction = %+v", corrections[0])
	}
}

func TestCorrectorLeavesExactMatches(t *testing.T) {
	c := NewCorrector(biologyGlossary)

	text := "mitochondria produce energy"
	got, corrections := c.Apply(text)
	if got != text {
		t.Errorf("text changed: %q", got)
	}
	if len(corrections) != 0 {
		t.Errorf("corrections = %v, want none", corrections)
	}
}

func TestCorrectorLeavesUnrelatedWords(t *testing.T) {
	c := NewCorrector(biologyGlossary)

	text := "my dog likes long walks"
	got, corrections := c.Apply(text)
	if got != text || len(corrections) != 0 {
		t.Errorf("Apply(%q) = %q, %v", text, got, corrections)
	}
}

func TestCorrectorMultiWordTerm(t *testing.T) {
	c := NewCorrector(biologyGlossary)

	got, corrections := c.Apply("explain the pithagorean theorem please")
	if got != "explain the Pythagorean theorem please" {
		t.Errorf("corrected = %q", got)
	}
	if len(corrections) != 1 {
		t.Fatalf("corrections = %d, want 1", len(corrections))
	}
	if corrections[0].Corrected != "Pythagorean theorem" {
		t.Errorf("correction = %+v", corrections[0])
	}
}

func TestCorrectorPreservesPunctuation(t *testing.T) {
	c := NewCorrector(biologyGlossary)

	got, _ := c.Apply("what about fotosynthesis?")
	if got != "what about photosynthesis?" {
		t.Errorf("corrected = %q", got)
	}
}

func TestCorrectorEmptyGlossary(t *testing.T) {
	c := NewCorrector(nil)
	if c.Terms() != 0 {
		t.Errorf("Terms = %d, want 0", c.Terms())
	}
	text := "anything at all"
	if got, corrections := c.Apply(text); got != text || corrections != nil {
		t.Errorf("Apply = %q, %v", got, corrections)
	}
}

func TestCorrectorDropsBlankAndDuplicateTerms(t *testing.T) {
	c := NewCorrector([]string{"osmosis", " ", "Osmosis", ""})
	if c.Terms() != 1 {
		t.Errorf("Terms = %d, want 1", c.Terms())
	}
}

func TestCorrectorRejectsDistantWords(t *testing.T) {
	// "metric" shares metaphone territory with nothing close enough in the
	// glossary to be rewritten.
	c := NewCorrector([]string{"mitochondria"})
	text := "the metric system"
	if got, _ := c.Apply(text); got != text {
		t.Errorf("Apply(%q) = %q", text, got)
	}
}
