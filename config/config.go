package config

import "time"

type StorageType string

const STORAGE_TYPE_REDIS StorageType = "redis"
const STORAGE_TYPE_INMEM StorageType = "memory"

type Config struct {
	RedisConfig         RedisStorageConfig
	HttpPort            int
	StorageType         StorageType
	FireWorkerCapacity  int
	AutoResumeInterval  time.Duration
	RecoveryInterval    time.Duration
	StalenessThreshold  time.Duration
	RecoveryMaxAttempts int
	CleanupInterval     time.Duration
	RetentionAge        time.Duration
	SubscriptionTTL     time.Duration
	MaxDelaySeconds     int64
}

type RedisStorageConfig struct {
	Addrs     []string
	Namespace string
}
