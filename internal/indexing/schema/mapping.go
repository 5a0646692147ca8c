package schema

import (
	"fmt"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"

	// Register the analysis components referenced by name below.
	_ "github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	_ "github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	_ "github.com/blevesearch/bleve/v2/analysis/char/asciifolding"
	_ "github.com/blevesearch/bleve/v2/analysis/token/edgengram"
	_ "github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	_ "github.com/blevesearch/bleve/v2/analysis/tokenizer/regexp"
	_ "github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	_ "github.com/blevesearch/bleve/v2/analysis/tokenizer/whitespace"
)

// Analyzer names registered on every index mapping.
const (
	TextAnalyzer       = "accent_text"
	KeywordAnalyzer    = "whitespace_keyword"
	IdentifierAnalyzer = "keyword"
	PathAnalyzer       = "slash_path"
)

// EdgeNgramAnalyzer returns the analyzer name for a min..max prefix field
func EdgeNgramAnalyzer(min, max int) string {
	return fmt.Sprintf("edge_prefix_%d_%d", min, max)
}

// IndexMapping compiles the registry into a bleve index mapping
func (r *Registry) IndexMapping() (mapping.IndexMapping, error) {
	im := bleve.NewIndexMapping()

	if err := im.AddCustomAnalyzer(TextAnalyzer, map[string]interface{}{
		"type":          "custom",
		"char_filters":  []string{"asciifolding"},
		"tokenizer":     "unicode",
		"token_filters": []string{"to_lower"},
	}); err != nil {
		return nil, fmt.Errorf("text analyzer: %w", err)
	}

	if err := im.AddCustomAnalyzer(KeywordAnalyzer, map[string]interface{}{
		"type":      "custom",
		"tokenizer": "whitespace",
	}); err != nil {
		return nil, fmt.Errorf("keyword analyzer: %w", err)
	}

	if err := im.AddCustomTokenizer("slash_segments", map[string]interface{}{
		"type":   "regexp",
		"regexp": `[^/]+`,
	}); err != nil {
		return nil, fmt.Errorf("path tokenizer: %w", err)
	}
	if err := im.AddCustomAnalyzer(PathAnalyzer, map[string]interface{}{
		"type":      "custom",
		"tokenizer": "slash_segments",
	}); err != nil {
		return nil, fmt.Errorf("path analyzer: %w", err)
	}

	docMapping := bleve.NewDocumentMapping()
	edgeAnalyzers := make(map[string]bool)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.names {
		f := r.fields[name]
		if f.Kind == KindEdgeNgram {
			if err := addEdgeAnalyzer(im, f, edgeAnalyzers); err != nil {
				return nil, err
			}
		}
		docMapping.AddFieldMappingsAt(name, fieldMapping(f))
	}
	for _, p := range r.patterns {
		if p.field.Kind == KindEdgeNgram {
			if err := addEdgeAnalyzer(im, p.field, edgeAnalyzers); err != nil {
				return nil, err
			}
		}
	}

	im.DefaultMapping = docMapping
	im.DefaultAnalyzer = TextAnalyzer
	return im, nil
}

func addEdgeAnalyzer(im *mapping.IndexMappingImpl, f Field, seen map[string]bool) error {
	name := EdgeNgramAnalyzer(f.MinGram, f.MaxGram)
	if seen[name] {
		return nil
	}
	filter := name + "_filter"
	if err := im.AddCustomTokenFilter(filter, map[string]interface{}{
		"type": "edge_ngram",
		"min":  float64(f.MinGram),
		"max":  float64(f.MaxGram),
	}); err != nil {
		return fmt.Errorf("edge ngram filter: %w", err)
	}
	if err := im.AddCustomAnalyzer(name, map[string]interface{}{
		"type":          "custom",
		"char_filters":  []string{"asciifolding"},
		"tokenizer":     "unicode",
		"token_filters": []string{"to_lower", filter},
	}); err != nil {
		return fmt.Errorf("edge ngram analyzer: %w", err)
	}
	seen[name] = true
	return nil
}

func fieldMapping(f Field) *mapping.FieldMapping {
	var fm *mapping.FieldMapping

	switch f.Kind {
	case KindNumeric:
		fm = bleve.NewNumericFieldMapping()
	case KindDateTime:
		fm = bleve.NewDateTimeFieldMapping()
	default:
		fm = bleve.NewTextFieldMapping()
		fm.Analyzer = AnalyzerFor(f)
	}

	fm.Store = f.Stored
	fm.Index = true
	fm.IncludeInAll = f.Kind == KindText
	fm.DocValues = f.Sortable || f.Kind == KindIdentifier
	return fm
}

// AnalyzerFor returns the analyzer name used by text-like fields
func AnalyzerFor(f Field) string {
	switch f.Kind {
	case KindIdentifier:
		return IdentifierAnalyzer
	case KindKeyword:
		return KeywordAnalyzer
	case KindEdgeNgram:
		return EdgeNgramAnalyzer(f.MinGram, f.MaxGram)
	case KindPath:
		return PathAnalyzer
	default:
		return TextAnalyzer
	}
}
