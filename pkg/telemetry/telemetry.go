// Package telemetry publishes optional, non-authoritative observability
// data about a running node to Redis: nothing in the protocol core
// depends on it being present.
package telemetry

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

// Audit summarizes one completed, addressed datagram for offline
// inspection.
type Audit struct {
	Destinations []uint8 `cbor:"destinations"`
	PayloadLen   int     `cbor:"payload_len"`
	Status       uint8   `cbor:"status"`
}

// Sink receives status and datagram telemetry. bootnode.Node accepts
// a Sink (nil disables telemetry entirely).
type Sink interface {
	RecordStatus(code uint8)
	RecordDatagram(a Audit)
	RecordUpdateCount(n uint32)
	RecordConfigWriteOutcome(ok bool)
}

// RedisSink writes current values (status, update count, last config
// write outcome) to a Redis hash, and publishes status changes and
// datagram audit records on Redis channels.
type RedisSink struct {
	client *redis.Client
	ctx    context.Context
	key    string
	nodeID string
}

// NewRedisSink connects to addr and returns a Sink keyed by nodeID
// (used as the Redis hash key and channel name prefix).
func NewRedisSink(addr, password string, db int, nodeID string) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("telemetry: connect to redis: %w", err)
	}
	return &RedisSink{
		client: client,
		ctx:    ctx,
		key:    "busboot:" + nodeID,
		nodeID: nodeID,
	}, nil
}

// RecordStatus writes the latest status byte and publishes it.
func (s *RedisSink) RecordStatus(code uint8) {
	pipe := s.client.Pipeline()
	pipe.HSet(s.ctx, s.key, "status", code)
	pipe.Publish(s.ctx, s.key, fmt.Sprintf("status:%d", code))
	_, _ = pipe.Exec(s.ctx)
}

// RecordDatagram CBOR-encodes a, then publishes it as a binary
// payload on the node's datagram channel (the hash key plus
// ":datagram").
func (s *RedisSink) RecordDatagram(a Audit) {
	data, err := cbor.Marshal(a)
	if err != nil {
		return
	}
	_ = s.client.Publish(s.ctx, s.key+":datagram", data).Err()
}

// RecordUpdateCount writes the live configuration's update counter.
func (s *RedisSink) RecordUpdateCount(n uint32) {
	_ = s.client.HSet(s.ctx, s.key, "update_count", n).Err()
}

// RecordConfigWriteOutcome writes whether the last dual-copy config
// write left both pages valid.
func (s *RedisSink) RecordConfigWriteOutcome(ok bool) {
	_ = s.client.HSet(s.ctx, s.key, "config_write_ok", ok).Err()
}

// Close releases the underlying Redis connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
