package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexPath(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		instance string
		want     string
	}{
		{name: "default", base: "", instance: "instance", want: filepath.Join("instance", "whoosh")},
		{name: "relative", base: "idx", instance: "/srv/app", want: filepath.Join("/srv/app", "idx")},
		{name: "absolute", base: "/var/lib/idx", instance: "/srv/app", want: "/var/lib/idx"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := SearchConfig{IndexBase: tt.base, InstanceDir: tt.instance}
			assert.Equal(t, tt.want, cfg.IndexPath())
		})
	}
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("WHOOSH_BASE", "/data/indexes")
	t.Setenv("SEARCH_DEFAULT_BOOSTS", "name:2,text:0.5")
	t.Setenv("QUEUE_DRIVER", "memory")

	cfg, err := LoadWith(viper.New(), "indexer")
	require.NoError(t, err)

	assert.Equal(t, "/data/indexes", cfg.Search.IndexPath())
	assert.Equal(t, map[string]float64{"name": 2, "text": 0.5}, cfg.Search.DefaultBoosts)
	assert.Equal(t, "memory", cfg.Queue.Driver)
	assert.Equal(t, "indexer-consumer", cfg.Kafka.ConsumerGroup)
	assert.Equal(t, []string{"default"}, cfg.Search.Indexes)
	assert.Equal(t, 3, cfg.Queue.EnqueueAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Queue.EnqueueBackoff)
}

func TestLoadDefaultBoosts(t *testing.T) {
	cfg, err := LoadWith(viper.New(), "reindex")
	require.NoError(t, err)

	assert.Equal(t, DefaultBoosts(), cfg.Search.DefaultBoosts)
}
