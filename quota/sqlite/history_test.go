package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/quotaledger"
)

func TestHistory_UndecodableMetadata(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "quota.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	key := quotaledger.Key{UserID: "u1", Bucket: quotaledger.BucketAutoExplain}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, user_id, bucket, change, reason, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, s.auditTable()),
		"e1", key.UserID, string(key.Bucket), -1, string(quotaledger.ReasonConsume), "{not json", time.Now().UnixNano(),
	)
	require.NoError(t, err)

	_, err = s.History(ctx, key)
	assert.ErrorIs(t, err, quotaledger.ErrStoreUnavailable)
	assert.True(t, quotaledger.IsInfrastructure(err))
}
