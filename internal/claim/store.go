package claim

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists claim records as Redis hashes and indexes the non-terminal
// ones in PendingSetKey.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func recordKey(id string) string {
	return fmt.Sprintf(RecordKeyFmt, id)
}

// Save writes the full record and keeps the pending index in step with its
// status. CreatedAt and UpdatedAt are stamped here.
func (s *Store) Save(ctx context.Context, r *Record) error {
	now := time.Now().Unix()
	if r.CreatedAt == 0 {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	key := recordKey(r.ID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"id", r.ID,
			"network", r.Network,
			"asset", r.Asset,
			"address", r.Address,
			"amount", r.Amount,
			"nonce", r.Nonce,
			"tx_hash", r.TxHash,
			"status", string(r.Status),
			"reason", r.Reason,
			"created_at", r.CreatedAt,
			"updated_at", r.UpdatedAt,
		)
		if r.Status.Terminal() {
			pipe.SRem(ctx, PendingSetKey, r.ID)
		} else {
			pipe.SAdd(ctx, PendingSetKey, r.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save claim %s: %w", r.ID, err)
	}
	return nil
}

// Get returns nil, nil when the record does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	vals, err := s.rdb.HGetAll(ctx, recordKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return recordFromMap(vals), nil
}

// ListPending returns every indexed non-terminal record. Index entries whose
// hash has disappeared are dropped from the index.
func (s *Store) ListPending(ctx context.Context) ([]Record, error) {
	var records []Record
	var cursor uint64
	for {
		ids, next, err := s.rdb.SScan(ctx, PendingSetKey, cursor, "", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan pending claims: %w", err)
		}
		for _, id := range ids {
			r, err := s.Get(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("load claim %s: %w", id, err)
			}
			if r == nil {
				s.rdb.SRem(ctx, PendingSetKey, id)
				continue
			}
			records = append(records, *r)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return records, nil
}

func recordFromMap(m map[string]string) *Record {
	nonce, _ := strconv.ParseUint(m["nonce"], 10, 64)
	createdAt, _ := strconv.ParseInt(m["created_at"], 10, 64)
	updatedAt, _ := strconv.ParseInt(m["updated_at"], 10, 64)
	return &Record{
		ID:        m["id"],
		Network:   m["network"],
		Asset:     m["asset"],
		Address:   m["address"],
		Amount:    m["amount"],
		Nonce:     nonce,
		TxHash:    m["tx_hash"],
		Status:    Status(m["status"]),
		Reason:    m["reason"],
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
}
