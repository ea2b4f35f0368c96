package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loraflux/loraflux-ns/internal/models"
	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

// Key layout. Everything the NS keeps in Redis lives under lora:ns:.
const (
	devAddrKeyTemplate           = "lora:ns:devaddr:%s"
	deviceSessionKeyTemplate     = "lora:ns:device-session:%s"
	deviceGatewayRXInfoTemplate  = "lora:ns:device-gateway-rx-info:%s"
	deduplicationKeyTemplate     = "lora:ns:dedup:%s"
	deduplicationLockKeyTemplate = "lora:ns:dedup:%s:lock"
	deviceLockKeyTemplate        = "lora:ns:lock:%s"
	downlinkFrameKeyTemplate     = "lora:ns:downlink-frame:%d"
)

// RedisStore holds the short-lived NS state: deduplication sets,
// per-device locks, downlink frames in flight and the per-device
// gateway reception cache.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore connects to Redis using a redis:// URL.
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client, mainly for tests.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Close closes the Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// ========== Deduplication ==========

// AddUplinkToDedupSet adds one gateway's copy of an uplink to the
// deduplication set for its fingerprint. It returns true when this call
// created the set, i.e. this NS instance saw the frame first and owns
// the collect window.
func (r *RedisStore) AddUplinkToDedupSet(ctx context.Context, fingerprint string, frame []byte, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf(deduplicationKeyTemplate, fingerprint)

	added, err := r.client.SAdd(ctx, key, frame).Result()
	if err != nil {
		return false, fmt.Errorf("sadd dedup: %w", err)
	}
	if err := r.client.PExpire(ctx, key, ttl).Err(); err != nil {
		return false, fmt.Errorf("pexpire dedup: %w", err)
	}
	if added == 0 {
		return false, nil
	}

	// The lock decides which instance fires the pipeline after the
	// collect window; SAdd alone is not enough since two instances can
	// add distinct gateway copies concurrently.
	lockKey := fmt.Sprintf(deduplicationLockKeyTemplate, fingerprint)
	locked, err := r.client.SetNX(ctx, lockKey, "lock", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx dedup lock: %w", err)
	}

	return locked, nil
}

// GetDedupSet returns all collected copies for a fingerprint.
func (r *RedisStore) GetDedupSet(ctx context.Context, fingerprint string) ([][]byte, error) {
	key := fmt.Sprintf(deduplicationKeyTemplate, fingerprint)

	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers dedup: %w", err)
	}

	out := make([][]byte, len(members))
	for i, m := range members {
		out[i] = []byte(m)
	}
	return out, nil
}

// ========== Per-device locks ==========

// AcquireDeviceLock takes the short-lived per-device lock used to
// serialize Class-A downlink scheduling against the Class-B/C loop.
// It returns false when another holder has it.
func (r *RedisStore) AcquireDeviceLock(ctx context.Context, devEUI lorawan.EUI64, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf(deviceLockKeyTemplate, devEUI)
	return r.client.SetNX(ctx, key, "lock", ttl).Result()
}

// ReleaseDeviceLock releases the per-device lock.
func (r *RedisStore) ReleaseDeviceLock(ctx context.Context, devEUI lorawan.EUI64) error {
	key := fmt.Sprintf(deviceLockKeyTemplate, devEUI)
	return r.client.Del(ctx, key).Err()
}

// ========== DevAddr index ==========

// AddDevAddrDevEUI registers a DevEUI under a DevAddr, mirroring the
// relational index for consumers that only reach Redis.
func (r *RedisStore) AddDevAddrDevEUI(ctx context.Context, devAddr lorawan.DevAddr, devEUI lorawan.EUI64, ttl time.Duration) error {
	key := fmt.Sprintf(devAddrKeyTemplate, devAddr)

	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, key, devEUI[:])
	pipe.PExpire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveDevAddrDevEUI removes a DevEUI from a DevAddr set.
func (r *RedisStore) RemoveDevAddrDevEUI(ctx context.Context, devAddr lorawan.DevAddr, devEUI lorawan.EUI64) error {
	key := fmt.Sprintf(devAddrKeyTemplate, devAddr)
	return r.client.SRem(ctx, key, devEUI[:]).Err()
}

// GetDevEUIsForDevAddr returns the DevEUIs registered under a DevAddr.
func (r *RedisStore) GetDevEUIsForDevAddr(ctx context.Context, devAddr lorawan.DevAddr) ([]lorawan.EUI64, error) {
	key := fmt.Sprintf(devAddrKeyTemplate, devAddr)

	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	var out []lorawan.EUI64
	for _, m := range members {
		if len(m) != 8 {
			continue
		}
		var eui lorawan.EUI64
		copy(eui[:], m)
		out = append(out, eui)
	}
	return out, nil
}

// ========== Device session cache ==========

// SaveDeviceSession caches a session blob under its DevEUI.
func (r *RedisStore) SaveDeviceSession(ctx context.Context, devEUI lorawan.EUI64, session *models.DeviceSession, ttl time.Duration) error {
	b, err := json.Marshal(session)
	if err != nil {
		return err
	}
	key := fmt.Sprintf(deviceSessionKeyTemplate, devEUI)
	return r.client.Set(ctx, key, b, ttl).Err()
}

// GetDeviceSession returns the cached session, or ErrNotFound.
func (r *RedisStore) GetDeviceSession(ctx context.Context, devEUI lorawan.EUI64) (*models.DeviceSession, error) {
	key := fmt.Sprintf(deviceSessionKeyTemplate, devEUI)

	b, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	session := &models.DeviceSession{}
	if err := json.Unmarshal(b, session); err != nil {
		return nil, err
	}
	return session, nil
}

// DeleteDeviceSession drops the cached session.
func (r *RedisStore) DeleteDeviceSession(ctx context.Context, devEUI lorawan.EUI64) error {
	key := fmt.Sprintf(deviceSessionKeyTemplate, devEUI)
	return r.client.Del(ctx, key).Err()
}

// ========== Device gateway RX info ==========

// SaveDeviceGatewayRXInfo stores the gateways that received the last
// uplink of a device. The downlink path picks its gateway from this set.
func (r *RedisStore) SaveDeviceGatewayRXInfo(ctx context.Context, devEUI lorawan.EUI64, rxInfo []models.UplinkRXInfo, ttl time.Duration) error {
	b, err := json.Marshal(rxInfo)
	if err != nil {
		return err
	}
	key := fmt.Sprintf(deviceGatewayRXInfoTemplate, devEUI)
	return r.client.Set(ctx, key, b, ttl).Err()
}

// GetDeviceGatewayRXInfo returns the stored reception set, or
// ErrNotFound when the device has not been heard within the TTL.
func (r *RedisStore) GetDeviceGatewayRXInfo(ctx context.Context, devEUI lorawan.EUI64) ([]models.UplinkRXInfo, error) {
	key := fmt.Sprintf(deviceGatewayRXInfoTemplate, devEUI)

	b, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rxInfo []models.UplinkRXInfo
	if err := json.Unmarshal(b, &rxInfo); err != nil {
		return nil, err
	}
	return rxInfo, nil
}

// ========== Downlink frames in flight ==========

// SaveDownlinkFrame stores a dispatched downlink so the tx-ack handler
// can retrieve it by downlink id.
func (r *RedisStore) SaveDownlinkFrame(ctx context.Context, record *models.DownlinkFrameRecord, ttl time.Duration) error {
	b, err := json.Marshal(record)
	if err != nil {
		return err
	}
	key := fmt.Sprintf(downlinkFrameKeyTemplate, record.DownlinkID)
	return r.client.Set(ctx, key, b, ttl).Err()
}

// GetDownlinkFrame returns the stored frame for a downlink id.
func (r *RedisStore) GetDownlinkFrame(ctx context.Context, downlinkID uint32) (*models.DownlinkFrameRecord, error) {
	key := fmt.Sprintf(downlinkFrameKeyTemplate, downlinkID)

	b, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	record := &models.DownlinkFrameRecord{}
	if err := json.Unmarshal(b, record); err != nil {
		return nil, err
	}
	return record, nil
}

// DeleteDownlinkFrame removes a stored frame after its tx-ack.
func (r *RedisStore) DeleteDownlinkFrame(ctx context.Context, downlinkID uint32) error {
	key := fmt.Sprintf(downlinkFrameKeyTemplate, downlinkID)
	return r.client.Del(ctx, key).Err()
}
