package pai

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/nexus/internal/bus"
)

// defaultHotTTL is the hot tier's default retention (spec §4.6: "given a
// TTL, default 24h").
const defaultHotTTL = 24 * time.Hour

// HotStore is the tier-0 hot memory: short-lived task traces and
// free-form JSON blobs in the key-value store, namespaced "pai:hot:*".
type HotStore struct {
	kv  *bus.KV
	ttl time.Duration
}

// NewHotStore wraps a KV store. ttl <= 0 uses the 24-hour default.
func NewHotStore(kv *bus.KV, ttl time.Duration) *HotStore {
	if ttl <= 0 {
		ttl = defaultHotTTL
	}
	return &HotStore{kv: kv, ttl: ttl}
}

func hotKey(key string) string {
	return fmt.Sprintf("pai:hot:%s", key)
}

// StoreHot JSON-encodes value and stores it under key with the hot TTL.
func (h *HotStore) StoreHot(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("pai: encode hot value for %s: %w", key, err)
	}
	return h.kv.Set(ctx, hotKey(key), string(data), h.ttl)
}

// GetHot retrieves and JSON-decodes the value stored under key into out.
// Returns bus.ErrNotFound if the key is absent or expired.
func (h *HotStore) GetHot(ctx context.Context, key string, out any) error {
	raw, err := h.kv.Get(ctx, hotKey(key))
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), out)
}

// TaskTrace is a single phase record for a task, stored in the hot tier.
type TaskTrace struct {
	Phase     Phase          `json:"phase"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// StoreTaskTrace stores one phase trace for a task and appends it to the
// task's trace list, resetting the list's TTL (spec §4.6).
func (h *HotStore) StoreTaskTrace(ctx context.Context, taskID string, phase Phase, data map[string]any) error {
	trace := TaskTrace{Phase: phase, Timestamp: time.Now(), Data: data}

	if err := h.StoreHot(ctx, bus.TaskTraceKey(taskID, string(phase)), trace); err != nil {
		return err
	}

	encoded, err := json.Marshal(trace)
	if err != nil {
		return fmt.Errorf("pai: encode trace for task %s: %w", taskID, err)
	}
	listKey := bus.TaskTracesListKey(taskID)
	if err := h.kv.RPush(ctx, listKey, string(encoded)); err != nil {
		return fmt.Errorf("pai: append trace list for task %s: %w", taskID, err)
	}
	return h.kv.Expire(ctx, listKey, h.ttl)
}

// GetTaskTraces returns every trace recorded for a task, in the order
// they were stored.
func (h *HotStore) GetTaskTraces(ctx context.Context, taskID string) ([]TaskTrace, error) {
	raw, err := h.kv.LRange(ctx, bus.TaskTracesListKey(taskID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("pai: read trace list for task %s: %w", taskID, err)
	}

	traces := make([]TaskTrace, 0, len(raw))
	for _, r := range raw {
		var t TaskTrace
		if err := json.Unmarshal([]byte(r), &t); err != nil {
			continue
		}
		traces = append(traces, t)
	}
	return traces, nil
}
