// Package detector defines the single capability every model in the
// ensemble exposes, the registry that holds them, and the built-in
// detectors shipped with the service.
package detector

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/verimyst/internal/model"
)

// Content is the read-only input handed to every detector of a scan.
type Content struct {
	Data        []byte
	Type        model.ContentType
	Fingerprint model.Fingerprint
}

// Detector scores content for one kind of manipulation.
type Detector interface {
	// Name is the unique registry key (e.g. "misinformation").
	Name() string

	// Type is the label written to DetectionResult.DetectorType
	// (e.g. "Misinformation"). It also selects the aggregation weight.
	Type() string

	// Evaluate inspects the content. It may fail or block until ctx is done.
	Evaluate(ctx context.Context, c Content) (*model.DetectionResult, error)
}

// notApplicable is returned by detectors that do not handle the scan's
// content type. The ensemble records the detector as skipped; it is
// neither a result nor a failure.
func notApplicable(d Detector, ct model.ContentType) error {
	return eris.Wrapf(model.ErrNotApplicable, "%s: %s content", d.Name(), ct)
}
