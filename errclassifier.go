// SPDX-License-Identifier: GPL-3.0-or-later

package evhttp

import "github.com/bassosimone/errclass"

// ErrClassifier classifies errors into categorical strings for analysis.
//
// Implementations map errors to short, descriptive labels (e.g., "ETIMEDOUT",
// "ECONNREFUSED") that facilitate systematic analysis of request outcomes.
// The classification of a completed request is available through
// [HTTPRequest.ErrClass].
type ErrClassifier interface {
	Classify(err error) string
}

// ErrClassifierFunc adapts a function to the [ErrClassifier] interface.
//
// This allows using simple functions as classifiers:
//
//	cfg.ErrClassifier = ErrClassifierFunc(errclass.New)
type ErrClassifierFunc func(error) string

var _ ErrClassifier = ErrClassifierFunc(nil)

// Classify implements [ErrClassifier].
func (f ErrClassifierFunc) Classify(err error) string {
	return f(err)
}

// DefaultErrClassifier classifies errors using [errclass.New].
//
// It returns an empty string for nil errors, specific classes such as
// errclass.ETIMEDOUT for recognized failures, and errclass.EGENERIC otherwise.
var DefaultErrClassifier = ErrClassifierFunc(errclass.New)
