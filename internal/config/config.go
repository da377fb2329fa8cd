package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Postgres PostgresConfig
	Nodes    []NodeConfig
	Health   HealthConfig
	Upload   UploadConfig
	Stream   StreamConfig
	Worker   WorkerConfig
	Metrics  MetricsConfig
}

type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type PostgresConfig struct {
	Addr     string
	User     string
	Password string
	Database string
}

// NodeConfig 描述一个可调度的宿主节点
type NodeConfig struct {
	ID       string
	Address  string // Docker daemon endpoint，如 unix:///var/run/docker.sock 或 tcp://10.0.0.2:2375
	Capacity int    // 最大并发实例数
}

type HealthConfig struct {
	Interval       time.Duration // 协调循环间隔
	RetryThreshold int           // 超过后标记 failed，不再自动重启
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	RuntimeTimeout time.Duration // 单次 Runtime 调用超时
	NodeDownAfter  int           // 连续 ping 失败多少次后标记节点不可用
}

type UploadConfig struct {
	Backend      string // local | redis
	SessionTTL   time.Duration
	MaxChunkSize int64
}

type StreamConfig struct {
	SubscriberBuffer int
}

type WorkerConfig struct {
	Concurrency int
}

type MetricsConfig struct {
	Addr string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	nodes, err := parseNodes(getEnv("FLEET_NODES", "node-1=unix:///var/run/docker.sock|8"))
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: ServerConfig{
			Addr:         getEnv("SERVER_ADDR", ":8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Postgres: PostgresConfig{
			Addr:     getEnv("POSTGRES_ADDR", "localhost:5432"),
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: getEnv("POSTGRES_PASSWORD", "postgres"),
			Database: getEnv("POSTGRES_DB", "fleet"),
		},
		Nodes: nodes,
		Health: HealthConfig{
			Interval:       getDurationEnv("HEALTH_INTERVAL", 30*time.Second),
			RetryThreshold: getIntEnv("HEALTH_RETRY_THRESHOLD", 3),
			BackoffBase:    getDurationEnv("HEALTH_BACKOFF_BASE", 10*time.Second),
			BackoffCap:     getDurationEnv("HEALTH_BACKOFF_CAP", 4*time.Minute),
			RuntimeTimeout: getDurationEnv("HEALTH_RUNTIME_TIMEOUT", 15*time.Second),
			NodeDownAfter:  getIntEnv("HEALTH_NODE_DOWN_AFTER", 3),
		},
		Upload: UploadConfig{
			Backend:      getEnv("UPLOAD_BACKEND", "local"),
			SessionTTL:   getDurationEnv("UPLOAD_SESSION_TTL", 30*time.Minute),
			MaxChunkSize: int64(getIntEnv("UPLOAD_MAX_CHUNK_MB", 8)) * 1024 * 1024,
		},
		Stream: StreamConfig{
			SubscriberBuffer: getIntEnv("STREAM_SUBSCRIBER_BUFFER", 256),
		},
		Worker: WorkerConfig{
			Concurrency: getIntEnv("WORKER_CONCURRENCY", 5),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ":9090"),
		},
	}, nil
}

// parseNodes 解析 "id=address|capacity" 的分号列表
// 例如 "node-1=tcp://10.0.0.2:2375|8;node-2=tcp://10.0.0.3:2375|16"
func parseNodes(raw string) ([]NodeConfig, error) {
	var nodes []NodeConfig
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		id, rest, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("invalid node entry %q: missing '='", entry)
		}

		addr, capStr, ok := strings.Cut(rest, "|")
		if !ok {
			return nil, fmt.Errorf("invalid node entry %q: missing '|capacity'", entry)
		}

		capacity, err := strconv.Atoi(capStr)
		if err != nil || capacity <= 0 {
			return nil, fmt.Errorf("invalid node capacity %q in entry %q", capStr, entry)
		}

		nodes = append(nodes, NodeConfig{
			ID:       strings.TrimSpace(id),
			Address:  strings.TrimSpace(addr),
			Capacity: capacity,
		})
	}

	if len(nodes) == 0 {
		return nil, fmt.Errorf("no nodes configured (FLEET_NODES)")
	}

	return nodes, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
