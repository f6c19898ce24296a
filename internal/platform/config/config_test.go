package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, 10, cfg.Redis.PoolSize)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "ripple.changes", cfg.Kafka.Topic)
	assert.Equal(t, []string{"movies", "actors", "comments"}, cfg.Streams)
	assert.Equal(t, cfg.Streams, cfg.NotifyStreams)
	assert.NotEmpty(t, cfg.ConsumerName)
	assert.Equal(t, map[string]string{"movie_id": "movies", "actor_id": "actors"}, cfg.GraphRefs)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("RIPPLE_ADDR", ":9999")
	t.Setenv("RIPPLE_STREAMS", " movies , movies, actors ")
	t.Setenv("RIPPLE_NOTIFY_STREAMS", "movies")
	t.Setenv("RIPPLE_CONSUMER_NAME", "worker-1")
	t.Setenv("RIPPLE_REDIS_POOL_SIZE", "25")
	t.Setenv("RIPPLE_REDIS_DIAL_TIMEOUT", "2s")
	t.Setenv("RIPPLE_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("RIPPLE_GRAPH_REFS", "actor_id=actors")

	cfg := FromEnv()

	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, []string{"movies", "actors"}, cfg.Streams)
	assert.Equal(t, []string{"movies"}, cfg.NotifyStreams)
	assert.Equal(t, "worker-1", cfg.ConsumerName)
	assert.Equal(t, 25, cfg.Redis.PoolSize)
	assert.Equal(t, 2*time.Second, cfg.Redis.DialTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, map[string]string{"actor_id": "actors"}, cfg.GraphRefs)
}

func TestFromEnvIgnoresMalformedValues(t *testing.T) {
	t.Setenv("RIPPLE_REDIS_POOL_SIZE", "lots")
	t.Setenv("RIPPLE_REDIS_READ_TIMEOUT", "soon")
	t.Setenv("RIPPLE_GRAPH_REFS", "movie_id=movies,broken,=actors,field=")

	cfg := FromEnv()

	assert.Equal(t, 10, cfg.Redis.PoolSize)
	assert.Equal(t, 3*time.Second, cfg.Redis.ReadTimeout)
	assert.Equal(t, map[string]string{"movie_id": "movies"}, cfg.GraphRefs)
}
