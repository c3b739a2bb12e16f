// Package data provides database connection and data access functionality.
package data

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgtype"
	shopspring "github.com/jackc/pgtype/ext/shopspring-numeric"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"histdata/internal/config"
)

// Conn bundles the TimescaleDB pool and the optional Redis cache.
type Conn struct {
	DB    *pgxpool.Pool
	Cache *redis.Client
}

type dbConnResult struct {
	pool *pgxpool.Pool
	err  error
}

// Connect builds the connection pool, retrying inside the timeout window so a
// database that is still starting up (container restart, failover) does not
// fail the whole job immediately.
func Connect(ctx context.Context, cfg config.Database, rcfg config.Redis, log *zap.Logger) (*Conn, func(), error) {
	dbURL := fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		cfg.User, url.QueryEscape(cfg.Password), cfg.Host, cfg.Port, cfg.DBName)

	ctx, cancel := context.WithTimeout(ctx, 90*time.Second)
	defer cancel()

	result := make(chan dbConnResult, 1)
	go func() {
		defer close(result)
		var lastErr error
		for {
			select {
			case <-ctx.Done():
				if lastErr == nil {
					lastErr = ctx.Err()
				}
				result <- dbConnResult{err: lastErr}
				return
			default:
				poolConfig, err := pgxpool.ParseConfig(dbURL)
				if err != nil {
					result <- dbConnResult{err: fmt.Errorf("parse database url: %w", err)}
					return
				}
				poolConfig.MaxConns = int32(cfg.PoolSize)
				poolConfig.MinConns = 1
				poolConfig.MaxConnLifetime = 60 * time.Minute
				poolConfig.MaxConnIdleTime = 5 * time.Minute
				poolConfig.HealthCheckPeriod = 30 * time.Second
				poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second
				if cfg.StatementTimeoutMs > 0 {
					poolConfig.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", cfg.StatementTimeoutMs)
				}
				// Fixed-point quantities travel as shopspring decimals; the
				// numeric codec must be registered on every connection.
				poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
					conn.ConnInfo().RegisterDataType(pgtype.DataType{
						Value: &shopspring.Numeric{},
						Name:  "numeric",
						OID:   pgtype.NumericOID,
					})
					return nil
				}

				pool, err := pgxpool.ConnectConfig(ctx, poolConfig)
				if err != nil {
					lastErr = err
					time.Sleep(1 * time.Second)
					continue
				}
				result <- dbConnResult{pool: pool}
				return
			}
		}
	}()

	res := <-result
	if res.err != nil {
		return nil, nil, fmt.Errorf("connect to database %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.DBName, res.err)
	}

	conn := &Conn{DB: res.pool}

	if rcfg.Addr != "" {
		cache := redis.NewClient(&redis.Options{
			Addr:            rcfg.Addr,
			Password:        rcfg.Password,
			PoolSize:        10,
			DialTimeout:     5 * time.Second,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			MaxRetries:      3,
			MinRetryBackoff: time.Second,
			MaxRetryBackoff: 10 * time.Second,
		})
		if err := cache.Ping(ctx).Err(); err != nil {
			// The cache is an optimization; resolution falls back to the
			// definitions table when it is down.
			log.Warn("redis unreachable, continuing without symbol cache",
				zap.String("addr", rcfg.Addr), zap.Error(err))
		} else {
			conn.Cache = cache
		}
	}

	cleanup := func() {
		if conn.DB != nil {
			conn.DB.Close()
		}
		if conn.Cache != nil {
			if err := conn.Cache.Close(); err != nil {
				log.Warn("close redis", zap.Error(err))
			}
		}
	}
	return conn, cleanup, nil
}

// Ping verifies the database answers within a short deadline.
func (c *Conn) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.DB.Ping(ctx)
}
