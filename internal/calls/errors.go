package calls

import "errors"

// Error taxonomy shared by the registry, ingestor, finalizer and store.
// Callers match with errors.Is; implementations wrap with context.
var (
	ErrDuplicateSession   = errors.New("calls: duplicate session")
	ErrUnknownSession     = errors.New("calls: unknown session")
	ErrInvalidTransition  = errors.New("calls: invalid transition")
	ErrInvalidRole        = errors.New("calls: invalid role")
	ErrStaleSession       = errors.New("calls: stale session")
	ErrFinalizeConflict   = errors.New("calls: finalize conflict")
	ErrStorageUnavailable = errors.New("calls: storage unavailable")
	ErrInvalidArgument    = errors.New("calls: invalid argument")
)
