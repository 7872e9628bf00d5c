package profile

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no profile has the requested id.
	ErrNotFound = errors.New("profile not found")
	// ErrNoActiveProfile means no profile is selected; this is the expected
	// first-launch state, not a failure of the store.
	ErrNoActiveProfile = errors.New("no active profile")
	// ErrMissingCredential is returned when a cloud profile has no credential.
	ErrMissingCredential = errors.New("cloud profile requires a credential")
	// ErrInvalidName is returned for blank profile names.
	ErrInvalidName = errors.New("profile name must not be empty")
	// ErrNameConflict is reported by repositories when a uniqueness
	// constraint on the name rejects a write.
	ErrNameConflict = errors.New("profile name conflict")
)

// DuplicateNameError reports that another profile already uses Name.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("profile name %q already exists", e.Name)
}

// InvalidPortError reports a local-engine port outside 1024-65535.
type InvalidPortError struct {
	Port int
}

func (e *InvalidPortError) Error() string {
	return fmt.Sprintf("invalid port %d: must be between 1024 and 65535", e.Port)
}

// InvalidEngineError reports an unknown engine selector.
type InvalidEngineError struct {
	Engine string
}

func (e *InvalidEngineError) Error() string {
	return fmt.Sprintf("invalid engine %q: must be cloud or local", e.Engine)
}
