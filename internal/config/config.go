// Package config loads the three YAML files the engine runs from: the system
// config (logging, database, paths, defaults), the per-API job config, and
// the per-API mapping file (parsed by the mapping package). Decoding is
// strict: unknown keys are a hard error, and environment variables override
// file values after decode.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"histdata/internal/logging"
)

// EnvPrefix namespaces the database environment overrides.
const EnvPrefix = "HISTDATA"

// System is the process-wide configuration.
type System struct {
	Logging  logging.Config `yaml:"logging"`
	Database Database       `yaml:"database"`
	Redis    Redis          `yaml:"redis"`
	Paths    Paths          `yaml:"paths"`
	Defaults Defaults       `yaml:"defaults"`
}

// Database holds connection parameters for the TimescaleDB instance.
type Database struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	DBName             string `yaml:"dbname"`
	User               string `yaml:"user"`
	Password           string `yaml:"password"`
	PoolSize           int    `yaml:"pool_size"`
	StatementTimeoutMs int    `yaml:"statement_timeout_ms"`
}

// Redis is optional; when Addr is empty the symbol cache is in-memory only.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
}

// Paths locates on-disk state and the per-API config files.
type Paths struct {
	QuarantineDir string `yaml:"quarantine_dir"`
	MappingDir    string `yaml:"mapping_dir"`
	APIDir        string `yaml:"api_dir"`
}

// Defaults apply when a job leaves the knob unset.
type Defaults struct {
	BatchSize int `yaml:"batch_size"`
	ChunkDays int `yaml:"chunk_days"`
}

// API is a per-vendor config: the retry policy plus the declared jobs.
type API struct {
	Name   string      `yaml:"api"`
	KeyEnv string      `yaml:"key_env"`
	Retry  RetryPolicy `yaml:"retry"`
	Jobs   []Job       `yaml:"jobs"`
}

// RetryPolicy bounds the exponential backoff applied to transient failures.
type RetryPolicy struct {
	MaxAttempts int     `yaml:"max_attempts"`
	InitialWait float64 `yaml:"initial_wait_s"`
	Multiplier  float64 `yaml:"multiplier"`
	MaxWait     float64 `yaml:"max_wait_s"`
}

// Job is one configured ingestion run.
type Job struct {
	Name       string   `yaml:"name"`
	Dataset    string   `yaml:"dataset"`
	Schema     string   `yaml:"schema"`
	Symbols    []string `yaml:"symbols"`
	STypeIn    string   `yaml:"stype_in"`
	StartDate  string   `yaml:"start_date"`
	EndDate    string   `yaml:"end_date"`
	ChunkDays  int      `yaml:"chunk_days"`
	BatchSize  int      `yaml:"batch_size"`
	Strict     bool     `yaml:"strict"`
	Quarantine *bool    `yaml:"quarantine"`
	FailFast   bool     `yaml:"fail_fast"`
}

// QuarantineEnabled defaults to true when the job leaves it unset.
func (j Job) QuarantineEnabled() bool {
	return j.Quarantine == nil || *j.Quarantine
}

// Dates parses the job's date range.
func (j Job) Dates() (start, end time.Time, err error) {
	start, err = time.Parse("2006-01-02", j.StartDate)
	if err != nil {
		return start, end, fmt.Errorf("start_date: %w", err)
	}
	end, err = time.Parse("2006-01-02", j.EndDate)
	if err != nil {
		return start, end, fmt.Errorf("end_date: %w", err)
	}
	if end.Before(start) {
		return start, end, fmt.Errorf("end_date %s before start_date %s", j.EndDate, j.StartDate)
	}
	return start, end, nil
}

// DefaultRetryPolicy matches the documented defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialWait: 4, Multiplier: 2, MaxWait: 60}
}

// LoadSystem reads and validates the system config, then applies environment
// overrides (HISTDATA_DB_HOST and friends beat the file).
func LoadSystem(path string) (*System, error) {
	cfg := &System{
		Database: Database{Host: "localhost", Port: 5432, PoolSize: 4, DBName: "histdata", User: "postgres"},
		Defaults: Defaults{BatchSize: 1000},
		Paths:    Paths{QuarantineDir: "quarantine", MappingDir: "configs/mappings", APIDir: "configs/apis"},
	}
	if err := decodeStrict(path, cfg); err != nil {
		return nil, err
	}
	applyEnv(cfg)
	if cfg.Defaults.BatchSize <= 0 {
		return nil, fmt.Errorf("defaults.batch_size must be positive, got %d", cfg.Defaults.BatchSize)
	}
	if cfg.Database.PoolSize <= 0 {
		cfg.Database.PoolSize = 4
	}
	return cfg, nil
}

// LoadAPI reads and validates a per-API job file.
func LoadAPI(path string) (*API, error) {
	api := &API{Retry: DefaultRetryPolicy()}
	if err := decodeStrict(path, api); err != nil {
		return nil, err
	}
	if api.Name == "" {
		return nil, fmt.Errorf("%s: missing api name", path)
	}
	if api.Retry.MaxAttempts <= 0 || api.Retry.InitialWait <= 0 || api.Retry.Multiplier < 1 {
		return nil, fmt.Errorf("%s: invalid retry policy %+v", path, api.Retry)
	}
	seen := map[string]bool{}
	for i, j := range api.Jobs {
		if j.Name == "" {
			return nil, fmt.Errorf("%s: jobs[%d] missing name", path, i)
		}
		if seen[j.Name] {
			return nil, fmt.Errorf("%s: duplicate job name %q", path, j.Name)
		}
		seen[j.Name] = true
		if _, _, err := j.Dates(); err != nil {
			return nil, fmt.Errorf("%s: job %q: %w", path, j.Name, err)
		}
		if len(j.Symbols) == 0 {
			return nil, fmt.Errorf("%s: job %q: no symbols", path, j.Name)
		}
	}
	return api, nil
}

// JobByName finds a declared job.
func (a *API) JobByName(name string) (Job, error) {
	for _, j := range a.Jobs {
		if j.Name == name {
			return j, nil
		}
	}
	return Job{}, fmt.Errorf("job %q not declared for api %q", name, a.Name)
}

func decodeStrict(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *System) {
	if v := os.Getenv(EnvPrefix + "_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv(EnvPrefix + "_DB_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Database.Port)
	}
	if v := os.Getenv(EnvPrefix + "_DB_DBNAME"); v != "" {
		cfg.Database.DBName = v
	}
	if v := os.Getenv(EnvPrefix + "_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv(EnvPrefix + "_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
}
