// Package identity parses artifact filenames. A filename is both the unique
// key of an artifact and the source of its capture time.
package identity

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ErrMalformedIdentity is returned when a filename does not follow the
// <prefix>_<YYYY-MM-DD>_<HH-MM-SS>.<ext> pattern.
var ErrMalformedIdentity = errors.New("malformed identity")

// TimestampLayout is the layout of the date/time portion of a filename.
const TimestampLayout = "2006-01-02_15-04-05"

var filenamePattern = regexp.MustCompile(`^(.+)_(\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2})\.([A-Za-z0-9]+)$`)

// Identity is the parsed form of an artifact filename.
type Identity struct {
	Filename   string
	Prefix     string
	Ext        string
	CapturedAt time.Time
}

// Parse splits filename into its parts. The embedded timestamp is read as a
// wall-clock time in loc; a nil loc means UTC.
func Parse(filename string, loc *time.Location) (Identity, error) {
	if loc == nil {
		loc = time.UTC
	}

	m := filenamePattern.FindStringSubmatch(filename)
	if m == nil {
		return Identity{}, fmt.Errorf("%w: %q", ErrMalformedIdentity, filename)
	}

	capturedAt, err := time.ParseInLocation(TimestampLayout, m[2], loc)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %q: %v", ErrMalformedIdentity, filename, err)
	}

	return Identity{
		Filename:   filename,
		Prefix:     m[1],
		Ext:        m[3],
		CapturedAt: capturedAt,
	}, nil
}

// DestinationKey returns the remote object key "{year}/{MonthName}/{filename}".
func (id Identity) DestinationKey() string {
	return fmt.Sprintf("%04d/%s/%s", id.CapturedAt.Year(), id.CapturedAt.Month().String(), id.Filename)
}

// DestinationKey parses filename and returns its remote object key.
func DestinationKey(filename string, loc *time.Location) (string, error) {
	id, err := Parse(filename, loc)
	if err != nil {
		return "", err
	}
	return id.DestinationKey(), nil
}
