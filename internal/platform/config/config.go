package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	pstrings "ripple/pkg/platform/strings"
)

// Config captures everything the pipeline binary needs from the environment.
type Config struct {
	// Addr is the listen address of the operational HTTP surface
	// (health, metrics, websocket notifications).
	Addr string

	Redis RedisConfig
	Kafka KafkaConfig

	// Streams are the stream keys the pipeline produces and consumes,
	// one per source table.
	Streams []string

	// ConsumerName identifies this process inside every consumer group.
	// Defaults to the hostname so redeliveries after a restart land on the
	// same pending list.
	ConsumerName string

	// NotifyStreams are the streams the fan-out follows. Defaults to all
	// streams.
	NotifyStreams []string

	// GraphRefs maps foreign-key payload fields to the entity they point
	// at, e.g. {"actor_id": "actors"}. Drives edge derivation in the graph
	// projector.
	GraphRefs map[string]string
}

// RedisConfig carries connection settings for the stream log and the
// projection stores.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig carries the upstream CDC feed settings.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	Group   string
}

// FromEnv builds a Config from RIPPLE_* environment variables so main stays
// lean. Defaults are suitable for local development.
func FromEnv() Config {
	streams := splitList(getenv("RIPPLE_STREAMS", "movies,actors,comments"))
	notify := splitList(os.Getenv("RIPPLE_NOTIFY_STREAMS"))
	if len(notify) == 0 {
		notify = streams
	}
	consumer := os.Getenv("RIPPLE_CONSUMER_NAME")
	if consumer == "" {
		consumer, _ = os.Hostname()
	}
	if consumer == "" {
		consumer = "ripple"
	}

	return Config{
		Addr: getenv("RIPPLE_ADDR", ":8080"),
		Redis: RedisConfig{
			URL:          getenv("RIPPLE_REDIS_URL", "redis://localhost:6379/0"),
			PoolSize:     getint("RIPPLE_REDIS_POOL_SIZE", 10),
			MinIdleConns: getint("RIPPLE_REDIS_MIN_IDLE", 2),
			DialTimeout:  getdur("RIPPLE_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getdur("RIPPLE_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getdur("RIPPLE_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(getenv("RIPPLE_KAFKA_BROKERS", "localhost:9092")),
			Topic:   getenv("RIPPLE_KAFKA_TOPIC", "ripple.changes"),
			Group:   getenv("RIPPLE_KAFKA_GROUP", "ripple-producer"),
		},
		Streams:       streams,
		ConsumerName:  consumer,
		NotifyStreams: notify,
		GraphRefs:     splitPairs(getenv("RIPPLE_GRAPH_REFS", "movie_id=movies,actor_id=actors")),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getdur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitPairs(raw string) map[string]string {
	out := make(map[string]string)
	for _, item := range splitList(raw) {
		if field, entity, ok := strings.Cut(item, "="); ok && field != "" && entity != "" {
			out[field] = entity
		}
	}
	return out
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	return pstrings.DedupeAndTrim(strings.Split(raw, ","))
}
