// Package explain builds the ordered, evidenced reasoning attached to every
// completed scan. Output depends only on the inputs.
package explain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sells-group/verimyst/internal/model"
)

// Category groups detector types into explain steps.
type Category int

// Categories in step order.
const (
	CategoryClaim Category = iota
	CategorySource
	CategoryLinguistic
	CategoryMedia
)

type stepSpec struct {
	title       string
	description string
}

var steps = map[Category]stepSpec{
	CategoryClaim:      {"Claim Verification", "Checked claims against known misinformation patterns"},
	CategorySource:     {"Source Analysis", "Evaluated where this content has been seen and how far it spread"},
	CategoryLinguistic: {"Linguistic Analysis", "Analysed language for loaded or manipulative rhetoric"},
	CategoryMedia:      {"Media Forensics", "Inspected media metadata for editing and synthesis traces"},
}

var order = []Category{CategoryClaim, CategorySource, CategoryLinguistic, CategoryMedia}

// maxSources caps the provenance lines listed as evidence.
const maxSources = 5

// provenanceOnlyConfidence is the Source Analysis confidence when only
// provenance, and no source detector, contributed.
const provenanceOnlyConfidence = 0.5

var defaultCategories = map[string]Category{
	"misinformation":     CategoryClaim,
	"claim check":        CategoryClaim,
	"source credibility": CategorySource,
	"bias detection":     CategoryLinguistic,
	"manipulated media":  CategoryMedia,
	"deepfake detection": CategoryMedia,
}

var advice = map[model.RiskLevel]string{
	model.RiskLow:      "The content appears trustworthy.",
	model.RiskMedium:   "Treat the content with caution and check the flagged points.",
	model.RiskHigh:     "The content is likely misleading; verify with independent sources before sharing.",
	model.RiskCritical: "The content is very likely false or manipulated; do not share it without independent confirmation.",
}

// Input is everything a chain is built from.
type Input struct {
	Results    []model.DetectionResult
	Provenance []model.ProvenanceEntry
	TrustScore float64
	RiskLevel  model.RiskLevel
}

// Builder maps detector types to steps. Unknown types fall into
// Linguistic Analysis.
type Builder struct {
	categories map[string]Category
}

// NewBuilder creates a builder with the default mapping plus extra, keyed by
// lower-cased detector type.
func NewBuilder(extra map[string]Category) *Builder {
	cats := make(map[string]Category, len(defaultCategories)+len(extra))
	for k, v := range defaultCategories {
		cats[k] = v
	}
	for k, v := range extra {
		cats[strings.ToLower(k)] = v
	}
	return &Builder{categories: cats}
}

func (b *Builder) category(detectorType string) Category {
	if c, ok := b.categories[strings.ToLower(detectorType)]; ok {
		return c
	}
	return CategoryLinguistic
}

// Build returns the explain chain for in. Steps with no evidence are
// omitted; the conclusion is always present.
func (b *Builder) Build(in Input) model.ExplainChain {
	fired := make(map[Category][]model.DetectionResult)
	var flagged []string
	for _, r := range in.Results {
		if !r.Detected {
			continue
		}
		c := b.category(r.DetectorType)
		fired[c] = append(fired[c], r)
		flagged = append(flagged, r.DetectorType)
	}

	chain := model.ExplainChain{Steps: []model.ExplainStep{}}
	for _, c := range order {
		rs := fired[c]
		var prov []model.ProvenanceEntry
		if c == CategorySource {
			prov = in.Provenance
		}
		if len(rs) == 0 && len(prov) == 0 {
			continue
		}
		chain.Steps = append(chain.Steps, buildStep(c, rs, prov))
	}
	chain.Conclusion = conclusion(in.TrustScore, in.RiskLevel, flagged)
	return chain
}

func buildStep(c Category, rs []model.DetectionResult, prov []model.ProvenanceEntry) model.ExplainStep {
	sorted := append([]model.DetectionResult(nil), rs...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].DetectorType != sorted[j].DetectorType {
			return sorted[i].DetectorType < sorted[j].DetectorType
		}
		return sorted[i].Description < sorted[j].Description
	})

	spec := steps[c]
	step := model.ExplainStep{Title: spec.title, Description: spec.description, Evidence: []string{}}
	for _, r := range sorted {
		step.Confidence = max(step.Confidence, r.Confidence)
		step.Evidence = append(step.Evidence,
			fmt.Sprintf("%s (%.0f%% confidence): %s", r.DetectorType, r.Confidence*100, r.Description))
	}

	if len(prov) > 0 {
		if len(sorted) == 0 {
			step.Confidence = provenanceOnlyConfidence
		}
		step.Evidence = append(step.Evidence, sourceEvidence(prov)...)
	}
	return step
}

func sourceEvidence(prov []model.ProvenanceEntry) []string {
	entries := append([]model.ProvenanceEntry(nil), prov...)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].SpreadCount != entries[j].SpreadCount {
			return entries[i].SpreadCount > entries[j].SpreadCount
		}
		return entries[i].SourceURL < entries[j].SourceURL
	})

	total := 0
	for _, e := range entries {
		total += e.SpreadCount
	}
	out := []string{fmt.Sprintf("Seen at %d source(s), %d sighting(s) in total", len(entries), total)}
	for i, e := range entries {
		if i == maxSources {
			out = append(out, fmt.Sprintf("... and %d more source(s)", len(entries)-maxSources))
			break
		}
		line := fmt.Sprintf("%s: %d sighting(s) since %s", e.SourceURL, e.SpreadCount, e.FirstSeen.UTC().Format("2006-01-02"))
		if len(e.Platforms) > 0 {
			line += " on " + strings.Join(e.Platforms, ", ")
		}
		out = append(out, line)
	}
	return out
}

func conclusion(score float64, risk model.RiskLevel, flagged []string) string {
	head := fmt.Sprintf("Trust score %.0f%% (%s risk).", score*100, risk)
	if len(flagged) == 0 {
		return head + " No detector flagged this content. " + advice[risk]
	}
	names := append([]string(nil), flagged...)
	sort.Strings(names)
	names = dedupe(names)
	return fmt.Sprintf("%s Flagged by %s. %s", head, strings.Join(names, ", "), advice[risk])
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
