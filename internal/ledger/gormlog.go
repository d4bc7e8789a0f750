package ledger

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const slowQuery = 200 * time.Millisecond

// gormLogger routes gorm's output through logrus. Statement text is never
// logged: it carries secret hashes.
type gormLogger struct {
	log   logrus.FieldLogger
	level logger.LogLevel
}

func newGormLogger(log logrus.FieldLogger) *gormLogger {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &gormLogger{log: log.WithField("store", sqliteStore), level: logger.Warn}
}

func (g *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	c := *g
	c.level = level
	return &c
}

func (g *gormLogger) Info(_ context.Context, msg string, args ...any) {
	if g.level >= logger.Info {
		g.log.Infof(msg, args...)
	}
}

func (g *gormLogger) Warn(_ context.Context, msg string, args ...any) {
	if g.level >= logger.Warn {
		g.log.Warnf(msg, args...)
	}
}

func (g *gormLogger) Error(_ context.Context, msg string, args ...any) {
	if g.level >= logger.Error {
		g.log.Errorf(msg, args...)
	}
}

// Trace reports failed and slow statements. Failures are at debug level since
// the caller gets them back as a StorageError.
func (g *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	_, rows := fc()
	entry := g.log.WithFields(logrus.Fields{"elapsed": elapsed.Seconds(), "rows": rows})

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		entry.WithError(err).Debug("sqlite statement failed")
	case elapsed > slowQuery && g.level >= logger.Warn:
		entry.Warn("slow sqlite statement")
	}
}
