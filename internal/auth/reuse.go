package auth

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// reuseDetector remembers rotated-away refresh JTIs (jti -> account id) until they expire.
// A nil detector remembers nothing.
type reuseDetector struct {
	seen *ristretto.Cache[string, string]
}

func newReuseDetector(maxEntries int64) (*reuseDetector, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &reuseDetector{seen: cache}, nil
}

func (d *reuseDetector) remember(jti, accountID string, ttl time.Duration) {
	if d == nil || ttl <= 0 {
		return
	}
	d.seen.SetWithTTL(jti, accountID, 1, ttl)
	d.seen.Wait()
}

func (d *reuseDetector) owner(jti string) (string, bool) {
	if d == nil {
		return "", false
	}
	return d.seen.Get(jti)
}

func (d *reuseDetector) close() {
	if d == nil {
		return
	}
	d.seen.Close()
}
