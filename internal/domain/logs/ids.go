package logs

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// sequenceMask covers the non-timestamp bits of a snowflake.
const sequenceMask = 1<<22 - 1

// IDGen produces snowflake sort keys. Keys are zero-padded so lexical order
// matches time order.
type IDGen struct {
	seq atomic.Uint32
}

func (g *IDGen) Next(at time.Time) string {
	base := uint64(snowflake.New(at))
	n := uint64(g.seq.Add(1)) & sequenceMask
	return formatID(snowflake.ID(base | n))
}

func formatID(id snowflake.ID) string {
	return fmt.Sprintf("%020d", uint64(id))
}

// idAt clamps times before the snowflake epoch to the smallest ID.
func idAt(t time.Time) snowflake.ID {
	if t.UnixMilli() < snowflake.Epoch {
		return 0
	}
	return snowflake.New(t)
}

func lowerSortKey(t time.Time) string {
	return formatID(idAt(t))
}

func upperSortKey(t time.Time) string {
	return formatID(snowflake.ID(uint64(idAt(t)) | sequenceMask))
}

// SortKeyTime recovers the timestamp encoded in a snowflake sort key.
func SortKeyTime(sk string) (time.Time, error) {
	id, err := snowflake.Parse(sk)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid sort key %q: %w", sk, err)
	}
	return id.Time(), nil
}
