package catalog

import (
	"errors"
	"time"
)

var (
	// ErrDuplicateKey is returned by Register when the filename is already
	// catalogued. The existing record is left untouched.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrNotFound is returned when no record exists for a filename.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidUpdate is returned for writes that would break a record
	// invariant, such as an integrity flag on an unverified replica.
	ErrInvalidUpdate = errors.New("invalid update")

	// ErrStoreBusy is returned when the store stayed locked for every retry
	// of an operation. The operation had no effect.
	ErrStoreBusy = errors.New("catalog store busy")
)

// Kind classifies an artifact.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindImage || k == KindVideo
}

// Status is the replication state of an artifact on one backend.
type Status string

const (
	StatusNotAttempted       Status = "not_attempted"
	StatusUploadedUnverified Status = "uploaded_unverified"
	StatusVerified           Status = "verified"
	StatusFailed             Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusNotAttempted, StatusUploadedUnverified, StatusVerified, StatusFailed:
		return true
	}
	return false
}

// Replica is the state of one artifact on one backend.
type Replica struct {
	Backend        string
	Status         Status
	DestinationKey string
	Container      string
	IntegrityOK    bool
	Attempts       int
	LastError      string
	UpdatedAt      time.Time
}

// Verified reports whether the replica passed digest verification.
func (r Replica) Verified() bool {
	return r.Status == StatusVerified && r.IntegrityOK
}

// Record is a full artifact row together with its replicas.
type Record struct {
	Filename string
	Kind     Kind
	// CapturedAt is zero when the filename carries no parseable timestamp.
	CapturedAt   time.Time
	LocalPresent bool
	LocalPath    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Replicas     map[string]Replica
}

// Replica returns the state for backend, defaulting to not attempted.
func (r Record) Replica(backend string) Replica {
	if rep, ok := r.Replicas[backend]; ok {
		return rep
	}
	return Replica{Backend: backend, Status: StatusNotAttempted}
}

// Pending is an artifact whose replication to some backend is incomplete.
type Pending struct {
	Filename  string
	Kind      Kind
	LocalPath string
}

// Eligible is an artifact whose local copy may be deleted.
type Eligible struct {
	Filename  string
	LocalPath string
}

// Update is the new state of one replica.
type Update struct {
	Status         Status
	DestinationKey string
	Container      string
	IntegrityOK    bool
	Attempts       int
	// Reason is stored as the last error; empty clears it.
	Reason string
}

func (u Update) validate() error {
	if !u.Status.Valid() {
		return errors.Join(ErrInvalidUpdate, errors.New("unknown status "+string(u.Status)))
	}
	if u.IntegrityOK != (u.Status == StatusVerified) {
		return errors.Join(ErrInvalidUpdate, errors.New("integrity flag must be set exactly when verified"))
	}
	return nil
}

// Summary counts records by state. Backends that were never attempted for an
// artifact have no replica row and are not counted under not_attempted.
type Summary struct {
	Artifacts    int
	LocalPresent int
	Replicas     map[string]map[Status]int
}
