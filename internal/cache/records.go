package cache

import (
	"context"
	"encoding/json"
	"time"
)

// recordTTL keeps mirrored deployment records around long enough for
// cross-process reads while guaranteeing stale entries age out; the
// runtime labels remain the authoritative view.
const recordTTL = time.Hour

const recordKeyPrefix = "dprod:deployment:"

// Records mirrors active-deployment snapshots keyed by project ID. All
// methods are nil-safe so callers can wire the mirror optionally.
type Records struct {
	c   Cache
	ttl time.Duration
}

// NewRecords builds a record mirror over a cache.
func NewRecords(c Cache) *Records {
	return &Records{c: c, ttl: recordTTL}
}

// Put mirrors a deployment snapshot. Marshal failures are silently
// dropped; the mirror is best effort.
func (r *Records) Put(ctx context.Context, projectID string, record interface{}) {
	if r == nil || r.c == nil {
		return
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return
	}
	r.c.Set(ctx, recordKeyPrefix+projectID, raw, r.ttl)
}

// Get loads a mirrored snapshot into out, reporting whether one existed.
func (r *Records) Get(ctx context.Context, projectID string, out interface{}) bool {
	if r == nil || r.c == nil {
		return false
	}
	raw, ok := r.c.Get(ctx, recordKeyPrefix+projectID)
	if !ok {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

// Forget drops a project's mirrored snapshot.
func (r *Records) Forget(ctx context.Context, projectID string) {
	if r == nil || r.c == nil {
		return
	}
	r.c.Delete(ctx, recordKeyPrefix+projectID)
}
