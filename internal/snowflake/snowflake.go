package snowflake

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Epoch is the custom epoch (2022-01-01T00:00:00Z) in Unix milliseconds.
// Timestamps inside ids are offsets from this point.
const Epoch int64 = 1640995200000

const (
	timestampBits = 42
	workerBits    = 10
	sequenceBits  = 12

	maxWorker   = (1 << workerBits) - 1
	maxSequence = (1 << sequenceBits) - 1

	workerShift    = sequenceBits
	timestampShift = sequenceBits + workerBits
)

// maxSkew is how far the wall clock may move backward before Next fails
// instead of waiting it out. Small NTP slews are absorbed; anything larger
// indicates a misconfigured host.
const maxSkew = 50 * time.Millisecond

// ErrClockSkew is returned when the wall clock moved backward by more than
// the generator is willing to wait for.
var ErrClockSkew = errors.New("snowflake: clock moved backward beyond skew tolerance")

// ID is a 64-bit time-sortable identifier: 42 bits of milliseconds since
// Epoch, 10 bits of worker id, 12 bits of per-millisecond sequence.
type ID uint64

// Zero is the absent id.
const Zero ID = 0

// Time returns the moment the id was generated.
func (id ID) Time() time.Time {
	ms := int64(id>>timestampShift) + Epoch
	return time.UnixMilli(ms).UTC()
}

// Worker returns the worker id embedded in the id.
func (id ID) Worker() int {
	return int((id >> workerShift) & maxWorker)
}

// Sequence returns the per-millisecond sequence embedded in the id.
func (id ID) Sequence() int {
	return int(id & maxSequence)
}

// String formats the id as a decimal string, the form it takes on the wire.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Parse converts a decimal string back into an ID.
func Parse(s string) (ID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return Zero, fmt.Errorf("parse snowflake %q: %w", s, err)
	}
	return ID(v), nil
}

// MarshalJSON encodes the id as a JSON string so 64-bit values survive
// clients that parse numbers as floats.
func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

func (id *ID) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		*id = Zero
		return nil
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Generator produces ids for a single worker. All producers in a process
// share one Generator; Next is safe for concurrent use.
type Generator struct {
	worker uint64
	now    func() time.Time

	mu       sync.Mutex
	lastMs   int64
	sequence uint64
}

// NewGenerator returns a Generator for the given worker id (0..1023).
func NewGenerator(worker int) (*Generator, error) {
	if worker < 0 || worker > maxWorker {
		return nil, fmt.Errorf("worker id %d out of range 0..%d", worker, maxWorker)
	}
	return &Generator{worker: uint64(worker), now: time.Now}, nil
}

// Next returns the next id. Ids from one Generator are strictly increasing.
//
// If the wall clock moved backward, Next waits for it to catch up when the
// skew is at most 50ms and returns ErrClockSkew otherwise.
func (g *Generator) Next() (ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms < g.lastMs {
		skew := time.Duration(g.lastMs-ms) * time.Millisecond
		if skew > maxSkew {
			return Zero, fmt.Errorf("%w (behind by %s)", ErrClockSkew, skew)
		}
		for ms < g.lastMs {
			time.Sleep(time.Millisecond)
			ms = g.now().UnixMilli()
		}
	}

	if ms == g.lastMs {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// Sequence exhausted for this millisecond; spin to the next one.
			for ms <= g.lastMs {
				ms = g.now().UnixMilli()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastMs = ms

	ts := uint64(ms - Epoch)
	return ID(ts<<timestampShift | g.worker<<workerShift | g.sequence), nil
}
