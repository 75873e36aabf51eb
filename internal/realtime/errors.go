package realtime

import (
	"errors"
	"fmt"
)

var (
	ErrValidation       = errors.New("invalid message")
	ErrAttachmentUpload = errors.New("attachment upload failed")
	ErrPersist          = errors.New("message not persisted")
	ErrHydration        = errors.New("snapshot query failed")

	errStoreClosed = errors.New("store closed")
)

// ValidationError rejects a submission before any side effect.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid message: " + e.Reason
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// AttachmentUploadError aborts a submission; no message was stored.
type AttachmentUploadError struct {
	Key string
	Err error
}

func (e *AttachmentUploadError) Error() string {
	return fmt.Sprintf("upload attachment %s: %v", e.Key, e.Err)
}

func (e *AttachmentUploadError) Unwrap() error { return e.Err }

func (e *AttachmentUploadError) Is(target error) bool { return target == ErrAttachmentUpload }

// PersistError reports a rejected insert. OrphanURL is set when a photo had
// already been uploaded; it is left in place.
type PersistError struct {
	OrphanURL string
	Err       error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist message: %v", e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

func (e *PersistError) Is(target error) bool { return target == ErrPersist }

// HydrationError reports a failed snapshot query. The store keeps its loading
// state and can be hydrated again.
type HydrationError struct {
	Partition string
	Err       error
}

func (e *HydrationError) Error() string {
	return fmt.Sprintf("hydrate %s: %v", e.Partition, e.Err)
}

func (e *HydrationError) Unwrap() error { return e.Err }

func (e *HydrationError) Is(target error) bool { return target == ErrHydration }
