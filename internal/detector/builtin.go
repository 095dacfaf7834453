package detector

import (
	"bytes"
	"context"
	"fmt"
	"math"

	"github.com/rotisserie/eris"

	"github.com/sells-group/verimyst/internal/model"
)

// Built-in detector names accepted by detectors.builtin.
const (
	NameMisinformation   = "misinformation"
	NameBias             = "bias"
	NameManipulatedMedia = "manipulated_media"
	NameDeepfake         = "deepfake"
)

// Detector type labels. Lower-cased, they key the aggregation weights.
const (
	TypeMisinformation   = "Misinformation"
	TypeBias             = "Bias Detection"
	TypeManipulatedMedia = "Manipulated Media"
	TypeDeepfake         = "Deepfake Detection"
)

// markerWindow bounds how much of a media file is searched for tool markers.
// Container metadata sits at the head of every format we accept.
const markerWindow = 4 << 20

// Builtin returns the built-in detector registered under name.
func Builtin(name string) (Detector, error) {
	switch name {
	case NameMisinformation:
		return Misinformation{}, nil
	case NameBias:
		return Bias{}, nil
	case NameManipulatedMedia:
		return ManipulatedMedia{}, nil
	case NameDeepfake:
		return Deepfake{}, nil
	default:
		return nil, eris.Errorf("detector: unknown built-in %q (valid: %s, %s, %s, %s)",
			name, NameMisinformation, NameBias, NameManipulatedMedia, NameDeepfake)
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// Misinformation flags text that leans on unverifiable-claim rhetoric.
type Misinformation struct{}

var claimLexicon = []string{
	"they don't want you to know",
	"what the media won't tell you",
	"mainstream media is hiding",
	"doctors hate",
	"miracle cure",
	"secret cure",
	"100% proven",
	"scientists confirm",
	"studies prove",
	"share before it's deleted",
	"share before they delete",
	"banned video",
	"cover-up",
	"hoax",
	"plandemic",
	"wake up sheeple",
	"do your own research",
	"the truth about",
}

func (Misinformation) Name() string { return NameMisinformation }
func (Misinformation) Type() string { return TypeMisinformation }

func (d Misinformation) Evaluate(ctx context.Context, c Content) (*model.DetectionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Type != model.ContentText {
		return nil, notApplicable(d, c.Type)
	}

	hits := matchPhrases(normalizeText(string(c.Data)), claimLexicon)
	if len(hits) == 0 {
		return &model.DetectionResult{
			DetectorType: d.Type(),
			Confidence:   0.1,
			Description:  "No unverified claim patterns found",
		}, nil
	}
	return &model.DetectionResult{
		DetectorType: d.Type(),
		Detected:     true,
		Confidence:   round2(math.Min(0.95, 0.5+0.15*float64(len(hits)-1))),
		Description:  fmt.Sprintf("Unverified claim patterns: %s", quoteAll(hits)),
	}, nil
}

// Bias flags text dense with loaded or inflammatory language.
type Bias struct{}

var loadedWords = map[string]struct{}{
	"radical": {}, "disgraceful": {}, "corrupt": {}, "evil": {}, "traitor": {},
	"traitors": {}, "shameful": {}, "outrageous": {}, "disastrous": {},
	"pathetic": {}, "propaganda": {}, "elites": {}, "sheeple": {}, "regime": {},
	"thugs": {}, "idiots": {}, "catastrophic": {}, "lying": {}, "liars": {},
	"brainwashed": {}, "treason": {}, "rigged": {}, "puppet": {},
}

const (
	biasMinLoaded = 2
	biasMinRatio  = 0.02
)

func (Bias) Name() string { return NameBias }
func (Bias) Type() string { return TypeBias }

func (d Bias) Evaluate(ctx context.Context, c Content) (*model.DetectionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Type != model.ContentText {
		return nil, notApplicable(d, c.Type)
	}

	toks := words(normalizeText(string(c.Data)))
	if len(toks) == 0 {
		return &model.DetectionResult{DetectorType: d.Type(), Description: "No words to analyse"}, nil
	}
	loaded := 0
	for _, w := range toks {
		if _, ok := loadedWords[w]; ok {
			loaded++
		}
	}
	ratio := float64(loaded) / float64(len(toks))

	if loaded >= biasMinLoaded && ratio >= biasMinRatio {
		return &model.DetectionResult{
			DetectorType: d.Type(),
			Detected:     true,
			Confidence:   round2(math.Min(0.9, 0.4+ratio*5)),
			Description:  fmt.Sprintf("Loaded language in %d of %d words", loaded, len(toks)),
		}, nil
	}
	return &model.DetectionResult{
		DetectorType: d.Type(),
		Confidence:   0.1,
		Description:  fmt.Sprintf("Neutral tone (%d loaded words)", loaded),
	}, nil
}

// ManipulatedMedia flags images whose metadata names editing or generation
// software.
type ManipulatedMedia struct{}

var editorMarkers = []string{
	"Adobe Photoshop",
	"GIMP",
	"Affinity Photo",
	"Pixelmator",
	"Snapseed",
	"FaceApp",
	"Stable Diffusion",
	"Midjourney",
	"DALL-E",
}

func (ManipulatedMedia) Name() string { return NameManipulatedMedia }
func (ManipulatedMedia) Type() string { return TypeManipulatedMedia }

func (d ManipulatedMedia) Evaluate(ctx context.Context, c Content) (*model.DetectionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Type != model.ContentImage {
		return nil, notApplicable(d, c.Type)
	}
	format := imageFormat(c.Data)
	if format == "" {
		return nil, eris.Wrap(model.ErrInvalidInput, "manipulated media: unreadable image header")
	}

	hits := findMarkers(c.Data, editorMarkers)
	if len(hits) == 0 {
		return &model.DetectionResult{
			DetectorType: d.Type(),
			Confidence:   0.1,
			Description:  fmt.Sprintf("No editing software markers in %s metadata", format),
		}, nil
	}
	return &model.DetectionResult{
		DetectorType: d.Type(),
		Detected:     true,
		Confidence:   round2(math.Min(0.9, 0.55+0.1*float64(len(hits)-1))),
		Description:  fmt.Sprintf("%s metadata names editing software: %s", format, quoteAll(hits)),
	}, nil
}

func imageFormat(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "JPEG"
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return "PNG"
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return "GIF"
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "WebP"
	default:
		return ""
	}
}

// Deepfake flags audio and video whose container metadata names a face-swap
// or voice-synthesis tool.
type Deepfake struct{}

var synthesisMarkers = []string{
	"DeepFaceLab",
	"faceswap",
	"FaceFusion",
	"Synthesia",
	"HeyGen",
	"ElevenLabs",
	"Resemble AI",
	"Lavf-deepfake",
}

func (Deepfake) Name() string { return NameDeepfake }
func (Deepfake) Type() string { return TypeDeepfake }

func (d Deepfake) Evaluate(ctx context.Context, c Content) (*model.DetectionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Type != model.ContentAudio && c.Type != model.ContentVideo {
		return nil, notApplicable(d, c.Type)
	}

	hits := findMarkers(c.Data, synthesisMarkers)
	if len(hits) == 0 {
		return &model.DetectionResult{
			DetectorType: d.Type(),
			Confidence:   0.05,
			Description:  "No synthesis tool markers found",
		}, nil
	}
	return &model.DetectionResult{
		DetectorType: d.Type(),
		Detected:     true,
		Confidence:   round2(math.Min(0.95, 0.6+0.15*float64(len(hits)-1))),
		Description:  fmt.Sprintf("Container metadata names synthesis tools: %s", quoteAll(hits)),
	}, nil
}

func findMarkers(data []byte, markers []string) []string {
	if len(data) > markerWindow {
		data = data[:markerWindow]
	}
	var hits []string
	for _, m := range markers {
		if bytes.Contains(data, []byte(m)) {
			hits = append(hits, m)
		}
	}
	return hits
}
