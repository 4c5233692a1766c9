package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"grovebot/internal/gateway"
)

type Config struct {
	Gateway   GatewayConfig              `json:"gateway"`
	Logging   LoggingConfig              `json:"logging"`
	Scheduler SchedulerConfig            `json:"scheduler"`
	Storage   StorageConfig              `json:"storage"`
	Server    ServerConfig               `json:"server"`
	Diag      DiagConfig                 `json:"diag"`
	Plugins   map[string]PluginConfigRaw `json:"plugins"`
}

type GatewayConfig struct {
	// Driver selects the platform adapter. "memory" runs against the
	// in-process gateway; production builds plug their adapter in here.
	Driver string `json:"driver"`
	Token  string `json:"token"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Ops     LoggingOps  `json:"ops"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingOps mirrors warnings and errors into the server's ops scope.
type LoggingOps struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type SchedulerConfig struct {
	Workers int `json:"workers"`
	// DefaultTimeout is a Go duration string (e.g. "30s", "2m").
	DefaultTimeout string `json:"default_timeout"`
	HistorySize    int    `json:"history_size"`
	Timezone       string `json:"timezone,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ServerConfig names the fixed scopes and roles the bot operates on.
// It is immutable after load; plugins receive it by value.
type ServerConfig struct {
	OwnerUserIDs []gateway.UserID `json:"owner_user_ids"`

	GeneralScope  gateway.ScopeID `json:"general_scope"`
	OpsScope      gateway.ScopeID `json:"ops_scope"`
	StaffRole     gateway.RoleID  `json:"staff_role"`
	VerifyCateg   gateway.ScopeID `json:"verify_category"`
	PersonalCateg gateway.ScopeID `json:"personal_category"`
}

// DiagConfig controls the optional pprof HTTP listener.
type DiagConfig struct {
	Pprof PprofConfig `json:"pprof"`
}

type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
}

type PluginConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so stale keys are caught
// during reload instead of silently ignored.
func (p *PluginConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PluginConfigRaw{Enabled: t.Enabled, Config: t.Config}
	return nil
}

// Validate checks the parts of the config that cannot be fixed up with
// defaults. It runs both at startup and before a hot-reload commits.
func (c *Config) Validate() error {
	switch strings.TrimSpace(c.Gateway.Driver) {
	case "", "memory":
	default:
		return fmt.Errorf("gateway.driver: unknown driver %q", c.Gateway.Driver)
	}
	if c.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers must be >= 0")
	}
	if c.Scheduler.RetryMax < 0 {
		return fmt.Errorf("scheduler.retry_max must be >= 0")
	}
	if _, err := parseDurationField("scheduler.default_timeout", c.Scheduler.DefaultTimeout); err != nil {
		return err
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := parseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	for name, id := range map[string]int64{
		"server.general_scope":     int64(c.Server.GeneralScope),
		"server.ops_scope":         int64(c.Server.OpsScope),
		"server.verify_category":   int64(c.Server.VerifyCateg),
		"server.personal_category": int64(c.Server.PersonalCateg),
	} {
		if id < 0 {
			return fmt.Errorf("%s: negative id", name)
		}
	}
	for _, id := range c.Server.OwnerUserIDs {
		if id <= 0 {
			return fmt.Errorf("server.owner_user_ids: invalid id %d", id)
		}
	}
	return nil
}

func parseDurationField(field, s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", field, s)
	}
	return d, nil
}
