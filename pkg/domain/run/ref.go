package run

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// TempPrefix starts every temporary identifier.
const TempPrefix = "temp_"

// Ref identifies a run or node run. A local ref carries a client-generated
// temporary id that the store has never seen; a remote ref carries an id
// issued by the store. The zero Ref identifies nothing.
type Ref struct {
	id     string
	remote bool
}

// Local wraps a temporary id
func Local(id string) Ref {
	return Ref{id: id}
}

// Remote wraps a store-issued id
func Remote(id string) Ref {
	return Ref{id: id, remote: true}
}

// NewLocal returns a fresh temporary ref of the form temp_<unixMillis>_<suffix>,
// where suffix is nine random hex characters.
func NewLocal(now time.Time) Ref {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return Local(fmt.Sprintf("%s%d_%s", TempPrefix, now.UnixMilli(), suffix))
}

// ID returns the raw identifier
func (r Ref) ID() string { return r.id }

// IsLocal reports whether the ref has not been reconciled with the store
func (r Ref) IsLocal() bool { return r.id != "" && !r.remote }

// IsRemote reports whether the ref carries a store-issued id
func (r Ref) IsRemote() bool { return r.id != "" && r.remote }

// IsZero reports whether the ref is empty
func (r Ref) IsZero() bool { return r.id == "" }

// String returns the raw identifier
func (r Ref) String() string { return r.id }

// MarshalJSON encodes the ref as its raw identifier
func (r Ref) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.id)
}

// UnmarshalJSON decodes a raw identifier. Identifiers carrying TempPrefix
// are read back as local refs; everything else is remote.
func (r *Ref) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	*r = ParseRef(id)
	return nil
}

// ParseRef classifies a raw identifier read from outside the process.
func ParseRef(id string) Ref {
	if id == "" {
		return Ref{}
	}
	if strings.HasPrefix(id, TempPrefix) {
		return Local(id)
	}
	return Remote(id)
}
