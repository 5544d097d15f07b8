package jobqueue

import (
	"crypto/rand"
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

// ID is a 12-byte, time-sortable job identifier: a 4-byte Unix timestamp,
// a 5-byte machine/process identifier, and a 3-byte monotonic counter. It
// is the Go analogue of the 96-bit timestamp+machine+counter id the job
// record requires to be sortable by creation time without a second index.
type ID [12]byte

var (
	idMachine = machineID()
	idCounter = randomCounterStart()
)

// NewID returns a fresh, sortable ID stamped with the current time.
func NewID() ID {
	var id ID
	now := uint32(time.Now().Unix())
	id[0] = byte(now >> 24)
	id[1] = byte(now >> 16)
	id[2] = byte(now >> 8)
	id[3] = byte(now)
	copy(id[4:9], idMachine[:])
	c := atomic.AddUint32(&idCounter, 1)
	id[9] = byte(c >> 16)
	id[10] = byte(c >> 8)
	id[11] = byte(c)
	return id
}

// Zero reports whether id is the zero value.
func (id ID) Zero() bool {
	return id == ID{}
}

// Time returns the creation timestamp encoded in id.
func (id ID) Time() time.Time {
	ts := uint32(id[0])<<24 | uint32(id[1])<<16 | uint32(id[2])<<8 | uint32(id[3])
	return time.Unix(int64(ts), 0)
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseID decodes the hex representation produced by String.
func ParseID(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("jobqueue: invalid id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("jobqueue: invalid id length %q", s)
	}
	copy(id[:], b)
	return id, nil
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Value implements driver.Valuer so an ID can be stored as a string column.
func (id ID) Value() (driver.Value, error) {
	if id.Zero() {
		return nil, nil
	}
	return id.String(), nil
}

// Scan implements sql.Scanner for reading the string column back.
func (id *ID) Scan(src interface{}) error {
	if src == nil {
		*id = ID{}
		return nil
	}
	switch v := src.(type) {
	case string:
		parsed, err := ParseID(v)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	case []byte:
		parsed, err := ParseID(string(v))
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	default:
		return fmt.Errorf("jobqueue: cannot scan %T into ID", src)
	}
}

func machineID() [5]byte {
	var b [5]byte
	host, err := os.Hostname()
	if err == nil && host != "" {
		sum := fnv32(host)
		b[0] = byte(sum >> 24)
		b[1] = byte(sum >> 16)
		b[2] = byte(sum >> 8)
		b[3] = byte(sum)
	} else {
		_, _ = rand.Read(b[:4])
	}
	pid := os.Getpid()
	b[4] = byte(pid)
	return b
}

func fnv32(s string) uint32 {
	const prime = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

func randomCounterStart() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
