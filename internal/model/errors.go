package model

import "github.com/rotisserie/eris"

// Caller errors.
var (
	ErrInvalidInput       = eris.New("invalid input")
	ErrInvalidContentType = eris.Wrap(ErrInvalidInput, "invalid content type")
	ErrInvalidVerdict     = eris.Wrap(ErrInvalidInput, "invalid verdict")
	ErrDuplicateScan      = eris.New("duplicate scan")
	ErrNotFound           = eris.New("not found")
)

// Pipeline errors.
var (
	ErrEnsembleFailure = eris.New("ensemble failure: no detector returned a usable result")
	ErrDetectorTimeout = eris.New("detector timed out")
	ErrDetectorError   = eris.New("detector error")
	ErrOverloaded      = eris.New("overloaded: too many concurrent scans")
	ErrCancelled       = eris.New("scan cancelled")
	ErrScanFrozen      = eris.New("scan already terminal")
	ErrNotApplicable   = eris.New("detector not applicable to content type")
)
