package cep

import "errors"

// ErrConfiguration marks errors caused by invalid engine configuration:
// unknown enum tags, missing statistics where a builder requires them,
// adaptivity enabled in multi-pattern mode. Fatal at construction.
var ErrConfiguration = errors.New("invalid configuration")

// ErrPattern marks errors caused by an unsatisfiable pattern definition:
// a non-positive window, a condition that fails to compile or references
// an unbound name, an unsupported operator nesting. Fatal at construction.
var ErrPattern = errors.New("invalid pattern")
