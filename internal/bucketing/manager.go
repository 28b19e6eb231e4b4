package bucketing

import (
	"fmt"
	"hash"
	"sync"
	"time"

	"auth-engine/internal/config"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
)

// BucketingManager assigns consistent partition buckets so account and
// event rows spread evenly across the cluster.
type BucketingManager struct {
	accountBuckets int
	eventBuckets   int
	hasherPool     sync.Pool
	config         *config.Config
}

type BucketAssignment struct {
	AccountBucket int    `json:"account_bucket"`
	EventBucket   int    `json:"event_bucket"`
	TimeBucket    int64  `json:"time_bucket"`
	DateBucket    string `json:"date_bucket"`
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		accountBuckets: cfg.Bucketing.AccountBuckets,
		eventBuckets:   cfg.Bucketing.EventBuckets,
		config:         cfg,
	}

	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// GetAccountBucket returns a consistent bucket in [0, accountBuckets).
func (bm *BucketingManager) GetAccountBucket(accountID interface{}) int {
	var idStr string
	switch v := accountID.(type) {
	case string:
		idStr = v
	case uuid.UUID:
		idStr = v.String()
	default:
		idStr = fmt.Sprintf("%v", v)
	}
	return bm.getBucket(idStr, bm.accountBuckets)
}

// GetEventBucket returns a bucket for audit events and rate limiting.
func (bm *BucketingManager) GetEventBucket(identifier string) int {
	return bm.getBucket(identifier, bm.eventBuckets)
}

// GetTimeBucket aligns now to a window boundary, for challenge and
// rate-limit partitioning.
func (bm *BucketingManager) GetTimeBucket(windowSeconds int) int64 {
	return time.Now().Unix() / int64(windowSeconds) * int64(windowSeconds)
}

// GetDateBucket returns the UTC date partition for audit events.
func (bm *BucketingManager) GetDateBucket() string {
	return time.Now().UTC().Format("2006-01-02")
}

// GetBucketAssignment returns every bucket assignment for an account.
func (bm *BucketingManager) GetBucketAssignment(accountID interface{}) *BucketAssignment {
	var idStr string
	switch v := accountID.(type) {
	case string:
		idStr = v
	case uuid.UUID:
		idStr = v.String()
	default:
		idStr = fmt.Sprintf("%v", v)
	}

	return &BucketAssignment{
		AccountBucket: bm.getBucket(idStr, bm.accountBuckets),
		EventBucket:   bm.getBucket(idStr, bm.eventBuckets),
		TimeBucket:    bm.GetTimeBucket(300),
		DateBucket:    bm.GetDateBucket(),
	}
}

func (bm *BucketingManager) getBucket(identifier string, buckets int) int {
	if buckets <= 0 {
		return 0
	}

	h := bm.hasherPool.Get().(hash.Hash64)
	defer func() {
		h.Reset()
		bm.hasherPool.Put(h)
	}()

	_, _ = h.Write([]byte(identifier))
	return int(h.Sum64() % uint64(buckets))
}
