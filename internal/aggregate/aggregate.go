// Package aggregate turns detector results into a trust score and risk tier.
package aggregate

import (
	"math"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/verimyst/internal/config"
	"github.com/sells-group/verimyst/internal/model"
)

// Risk tier lower bounds, inclusive.
const (
	LowRiskMin    = 0.7
	MediumRiskMin = 0.5
	HighRiskMin   = 0.3
)

// scorePrecision is the resolution of the reported score.
const scorePrecision = 1e4

// tierPrecision only absorbs float noise, so 0.7 computed as
// 0.6999999999999999 still lands in "low" while 0.69995 stays "medium".
const tierPrecision = 1e9

// Weights are penalty multipliers keyed by lower-cased detector type.
type Weights struct {
	Default float64            `yaml:"default"`
	ByType  map[string]float64 `yaml:"by_type"`
}

// DefaultWeights are the shipped weights. Misinformation weighs most,
// bias least.
func DefaultWeights() Weights {
	return Weights{
		Default: 0.3,
		ByType: map[string]float64{
			"misinformation":     0.6,
			"deepfake detection": 0.5,
			"manipulated media":  0.45,
			"bias detection":     0.2,
			"claim check":        0.55,
		},
	}
}

// weightsFile is the on-disk shape. A nil Default leaves the weight it
// overlays untouched, so an explicit 0 is honoured.
type weightsFile struct {
	Default *float64           `yaml:"default"`
	ByType  map[string]float64 `yaml:"by_type"`
}

func readWeightsFile(path string) (weightsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return weightsFile{}, eris.Wrapf(err, "aggregate: read weights %s", path)
	}
	var f weightsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return weightsFile{}, eris.Wrapf(err, "aggregate: parse weights %s", path)
	}
	return f, nil
}

func (f weightsFile) apply(w *Weights) {
	if f.Default != nil {
		w.Default = *f.Default
	}
	for k, v := range f.ByType {
		w.ByType[strings.ToLower(strings.TrimSpace(k))] = v
	}
}

// LoadWeightsFile reads weights from a YAML file with the same shape as the
// weights config section. Anything the file omits keeps the shipped weights.
func LoadWeightsFile(path string) (Weights, error) {
	f, err := readWeightsFile(path)
	if err != nil {
		return Weights{}, err
	}
	w := DefaultWeights()
	f.apply(&w)
	return w.normalized()
}

// FromConfig builds weights from config, overlaying the optional file.
func FromConfig(cfg config.WeightsConfig) (Weights, error) {
	w := DefaultWeights()
	if cfg.Default != nil {
		w.Default = *cfg.Default
	}
	for k, v := range cfg.ByType {
		w.ByType[strings.ToLower(k)] = v
	}
	if cfg.File != "" {
		f, err := readWeightsFile(cfg.File)
		if err != nil {
			return Weights{}, err
		}
		f.apply(&w)
	}
	return w.normalized()
}

func (w Weights) normalized() (Weights, error) {
	if w.Default < 0 {
		return Weights{}, eris.New("aggregate: default weight must not be negative")
	}
	out := Weights{Default: w.Default, ByType: make(map[string]float64, len(w.ByType))}
	for k, v := range w.ByType {
		if v < 0 {
			return Weights{}, eris.Errorf("aggregate: weight for %q must not be negative", k)
		}
		out.ByType[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out, nil
}

// Aggregator scores detector results with fixed weights. It is a pure
// function of its inputs and safe for concurrent use.
type Aggregator struct {
	weights Weights
}

// New creates an aggregator. Weights are copied.
func New(w Weights) *Aggregator {
	cp := Weights{Default: w.Default, ByType: make(map[string]float64, len(w.ByType))}
	for k, v := range w.ByType {
		cp.ByType[strings.ToLower(k)] = v
	}
	return &Aggregator{weights: cp}
}

// Weight returns the penalty weight for a detector type.
func (a *Aggregator) Weight(detectorType string) float64 {
	if w, ok := a.weights.ByType[strings.ToLower(detectorType)]; ok {
		return w
	}
	return a.weights.Default
}

// Score starts from 1.0 and subtracts confidence*weight for every positive
// detection, clamping to [0,1]. The tier comes from the unrounded score; the
// returned score is rounded to four decimals.
func (a *Aggregator) Score(results []model.DetectionResult) (float64, model.RiskLevel) {
	score := 1.0
	for _, r := range results {
		if r.Detected {
			score -= r.Confidence * a.Weight(r.DetectorType)
		}
	}
	score = math.Max(0, math.Min(1, score))
	risk := RiskFor(math.Round(score*tierPrecision) / tierPrecision)
	return math.Round(score*scorePrecision) / scorePrecision, risk
}

// RiskFor maps a score to its tier.
func RiskFor(score float64) model.RiskLevel {
	switch {
	case score >= LowRiskMin:
		return model.RiskLow
	case score >= MediumRiskMin:
		return model.RiskMedium
	case score >= HighRiskMin:
		return model.RiskHigh
	default:
		return model.RiskCritical
	}
}
