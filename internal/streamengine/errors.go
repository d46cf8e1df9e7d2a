package streamengine

import "errors"

// Sentinel errors mirror the teacher's store.go error taxonomy, generalized
// to the full stream-engine surface (spec §7).
var (
	ErrNotFound        = errors.New("streamengine: stream not found")
	ErrConfigMismatch  = errors.New("streamengine: stream exists with different configuration")
	ErrSchemaViolation = errors.New("streamengine: payload does not conform to bound schema")
	ErrReservedPath    = errors.New("streamengine: path is reserved")
)
