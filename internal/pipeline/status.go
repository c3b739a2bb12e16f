package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"histdata/internal/config"
	"histdata/internal/data"
	"histdata/internal/store"
)

// HealthCheck is one environment probe result.
type HealthCheck struct {
	Name   string
	OK     bool
	Detail string
}

// HealthReport aggregates the status probes.
type HealthReport struct {
	Checks []HealthCheck
}

// Healthy reports whether every probe passed.
func (r HealthReport) Healthy() bool {
	for _, c := range r.Checks {
		if !c.OK {
			return false
		}
	}
	return true
}

// ProbeStatus checks the environment a job run depends on: database
// reachability, the schema-column contract, vendor credentials, quarantine
// directory writability, and the optional cache.
func ProbeStatus(ctx context.Context, conn *data.Conn, sys *config.System, keyEnv string) HealthReport {
	var report HealthReport
	add := func(name string, ok bool, detail string) {
		report.Checks = append(report.Checks, HealthCheck{Name: name, OK: ok, Detail: detail})
	}

	if err := conn.Ping(ctx); err != nil {
		add("database", false, err.Error())
	} else {
		add("database", true, fmt.Sprintf("%s:%d/%s", sys.Database.Host, sys.Database.Port, sys.Database.DBName))
	}

	if err := store.SelfCheck(); err != nil {
		add("column_map", false, err.Error())
	} else if err := store.VerifyAgainstDB(ctx, conn.DB); err != nil {
		add("column_map", false, err.Error())
	} else {
		add("column_map", true, "all canonical fields mapped")
	}

	if keyEnv == "" {
		keyEnv = "DATABENTO_API_KEY"
	}
	if os.Getenv(keyEnv) == "" {
		add("credentials", false, keyEnv+" is not set")
	} else {
		add("credentials", true, keyEnv+" present")
	}

	probe := filepath.Join(sys.Paths.QuarantineDir, ".probe")
	if err := os.MkdirAll(sys.Paths.QuarantineDir, 0o755); err != nil {
		add("quarantine_dir", false, err.Error())
	} else if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		add("quarantine_dir", false, err.Error())
	} else {
		os.Remove(probe)
		add("quarantine_dir", true, sys.Paths.QuarantineDir)
	}

	if sys.Redis.Addr != "" {
		if conn.Cache == nil {
			add("redis", false, sys.Redis.Addr+" unreachable")
		} else {
			pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := conn.Cache.Ping(pctx).Err()
			cancel()
			if err != nil {
				add("redis", false, err.Error())
			} else {
				add("redis", true, sys.Redis.Addr)
			}
		}
	}

	return report
}
