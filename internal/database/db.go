package database

import (
	"context"
	"database/sql"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	log "github.com/sirupsen/logrus"

	"github.com/iliyamo/campground-power/internal/config"
)

// DSN builds the driver connection string.  Times are parsed into
// time.Time in UTC and multi-statement migrations are allowed.
func DSN(cfg config.Config) string {
	mc := mysql.NewConfig()
	mc.User = cfg.DBUser
	mc.Passwd = cfg.DBPass
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.DBHost, cfg.DBPort)
	mc.DBName = cfg.DBName
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.MultiStatements = true
	mc.Params = map[string]string{"charset": "utf8mb4"}
	return mc.FormatDSN()
}

// Open connects to MySQL and verifies the connection.  The database often
// starts alongside the service, so the first ping is retried with
// exponential backoff for up to a minute.
func Open(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("mysql", DSN(cfg))
	if err != nil {
		return nil, err
	}

	// Pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(30 * time.Minute)

	logger := log.WithFields(log.Fields{"component": "database", "host": cfg.DBHost, "port": cfg.DBPort, "db": cfg.DBName})
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = time.Minute
	ping := func() error {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pctx)
	}
	notify := func(err error, wait time.Duration) {
		logger.WithError(err).Warnf("mysql not ready, retrying in %s", wait)
	}
	if err := backoff.RetryNotify(ping, backoff.WithContext(b, ctx), notify); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("connected to mysql")
	return db, nil
}
