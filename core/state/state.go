package state

import "errors"

// ErrVersionConflict is returned by aggregate stores when a compare-and-swap
// write observes a version other than the one the caller loaded. Engines
// react by re-reading the aggregate and replaying the mutation.
var ErrVersionConflict = errors.New("state: stale aggregate version")
