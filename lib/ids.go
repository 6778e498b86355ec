package lib

import "sync/atomic"

// ContextID uniquely identifies a Context within a process. IDs handed out
// by the authority are canonical for the whole tree; locally generated IDs
// are only valid until the context is first transmitted.
type ContextID uint64

// SetID uniquely identifies a related-context set within a process.
type SetID uint64

// NoContext is the zero ContextID, used on the wire for "no parent".
const NoContext ContextID = 0

//nolint:gochecknoglobals
var (
	contextIDCounter uint64
	setIDCounter     uint64
)

// NextContextID generates a fresh process-unique ContextID.
func NextContextID() ContextID {
	return ContextID(atomic.AddUint64(&contextIDCounter, 1))
}

// NextSetID generates a fresh process-unique SetID.
func NextSetID() SetID {
	return SetID(atomic.AddUint64(&setIDCounter, 1))
}
