package model

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IDType is the prefix that says what a generated session id is for.
type IDType string

const (
	// IDTypeSession tags full-cascade runs.
	IDTypeSession IDType = "sess"
	// IDTypeNotebook tags the per-document session used for single-cell runs.
	IDTypeNotebook IDType = "nb"
)

func (t IDType) valid() bool {
	return t == IDTypeSession || t == IDTypeNotebook
}

const (
	idSecondsLen = 10
	idSuffixLen  = 8
)

// ID is a decoded "<type>_<unix seconds>_<8 lowercase hex>" session id.
type ID struct {
	Type    IDType
	Created time.Time
	Suffix  string
}

func (id ID) String() string {
	return fmt.Sprintf("%s_%0*d_%s", id.Type, idSecondsLen, id.Created.Unix(), id.Suffix)
}

// NewID builds an id of type t created at now with a random suffix.
func NewID(t IDType, now time.Time) (ID, error) {
	if !t.valid() {
		return ID{}, fmt.Errorf("invalid ID type: %s", t)
	}
	u, err := uuid.NewRandom()
	if err != nil {
		return ID{}, fmt.Errorf("generate session id: %w", err)
	}
	return ID{
		Type:    t,
		Created: time.Unix(now.Unix(), 0),
		Suffix:  hex.EncodeToString(u[:idSuffixLen/2]),
	}, nil
}

// GenerateID returns a fresh id of type t as a string.
func GenerateID(t IDType) (string, error) {
	id, err := NewID(t, time.Now())
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// ParseID decodes s. Session ids assigned by a backend need not have this
// shape, so callers treat a parse failure as "unknown origin", not an error
// in the run.
func ParseID(s string) (ID, error) {
	parts := strings.Split(s, "_")
	if len(parts) != 3 {
		return ID{}, fmt.Errorf("invalid ID format: %q", s)
	}
	t := IDType(parts[0])
	if !t.valid() {
		return ID{}, fmt.Errorf("invalid ID type in %q", s)
	}
	if len(parts[1]) != idSecondsLen || !allIn(parts[1], "0123456789") {
		return ID{}, fmt.Errorf("invalid ID timestamp in %q", s)
	}
	if len(parts[2]) != idSuffixLen || !allIn(parts[2], "0123456789abcdef") {
		return ID{}, fmt.Errorf("invalid ID suffix in %q", s)
	}
	secs, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("invalid ID timestamp in %q: %w", s, err)
	}
	return ID{Type: t, Created: time.Unix(secs, 0), Suffix: parts[2]}, nil
}

func allIn(s, set string) bool {
	for _, r := range s {
		if !strings.ContainsRune(set, r) {
			return false
		}
	}
	return true
}
