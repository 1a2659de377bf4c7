package quotaledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	t.Setenv("QL_LEARNING_LIMIT", "150")

	cfg, err := ParseConfig([]byte(`
timezone: Europe/Berlin
conflict_retries: 2
limits:
  LEARNING_INTERACTIONS: ${QL_LEARNING_LIMIT}
  AUTO_EXPLAIN: 40
`))
	require.NoError(t, err)
	assert.Equal(t, int64(150), cfg.Limits[BucketLearningInteractions])
	assert.Equal(t, int64(40), cfg.Limits[BucketAutoExplain])
	assert.Equal(t, 2, cfg.ConflictRetries)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quota.yaml")
	require.NoError(t, os.WriteFile(path, []byte("limits:\n  LEARNING_INTERACTIONS: 10\n  AUTO_EXPLAIN: 5\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	valid := map[Bucket]int64{BucketLearningInteractions: 150, BucketAutoExplain: 50}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"missing bucket", Config{Limits: map[Bucket]int64{BucketLearningInteractions: 1}}, "limits.AUTO_EXPLAIN is required"},
		{"unknown bucket", Config{Limits: map[Bucket]int64{BucketLearningInteractions: 1, BucketAutoExplain: 1, "VIDEO": 3}}, `unknown bucket "VIDEO"`},
		{"zero limit", Config{Limits: map[Bucket]int64{BucketLearningInteractions: 0, BucketAutoExplain: 1}}, "must be positive"},
		{"negative retries", Config{Limits: valid, ConflictRetries: -1}, "conflict_retries"},
		{"bad timezone", Config{Limits: valid, Timezone: "Mars/Olympus"}, "timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.NoError(t, Config{Limits: valid}.Validate())
}

func TestConfig_EngineOptions(t *testing.T) {
	cfg := Config{
		Timezone: "UTC",
		Limits:   map[Bucket]int64{BucketLearningInteractions: 150, BucketAutoExplain: 50},
	}

	e, err := New(noStore{}, cfg.EngineOptions()...)
	require.NoError(t, err)
	assert.Equal(t, int64(150), e.DefaultLimit(BucketLearningInteractions))
	assert.Equal(t, int64(50), e.DefaultLimit(BucketAutoExplain))
}

type noStore struct{}

func (noStore) WithSerializableTransaction(context.Context, Key, func(Tx) error) error { return nil }
func (noStore) History(context.Context, Key) ([]AuditEntry, error)                   { return nil, nil }
