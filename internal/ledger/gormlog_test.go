package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestGormLogger_Trace(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	g := newGormLogger(log)
	ctx := context.Background()
	stmt := func() (string, int64) { return "SELECT * FROM api_key WHERE secret = 'deadbeef'", 1 }

	g.Trace(ctx, time.Now(), stmt, nil)
	assert.Empty(t, hook.AllEntries(), "fast successful statements are quiet")

	g.Trace(ctx, time.Now(), stmt, gorm.ErrRecordNotFound)
	assert.Empty(t, hook.AllEntries())

	g.Trace(ctx, time.Now(), stmt, errors.New("database is locked"))
	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, logrus.DebugLevel, hook.LastEntry().Level)

	g.Trace(ctx, time.Now().Add(-time.Second), stmt, nil)
	require.Len(t, hook.AllEntries(), 2)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, sqliteStore, hook.LastEntry().Data["store"])

	for _, e := range hook.AllEntries() {
		s, err := e.String()
		require.NoError(t, err)
		assert.NotContains(t, s, "deadbeef")
	}
}

func TestGormLogger_Silent(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	g := newGormLogger(log).LogMode(logger.Silent)

	g.Trace(context.Background(), time.Now().Add(-time.Second), func() (string, int64) { return "", 0 }, errors.New("boom"))
	g.Warn(context.Background(), "ignored %d", 1)
	assert.Empty(t, hook.AllEntries())
}

func TestOpenSQLite_LogsThroughLogrus(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	s, err := OpenSQLite(":memory:", log)
	require.NoError(t, err)
	defer s.Close(context.Background())

	err = s.db.Exec("SELECT * FROM no_such_table").Error
	require.Error(t, err)
	require.NotEmpty(t, hook.AllEntries())
	assert.Equal(t, "sqlite statement failed", hook.LastEntry().Message)
}
