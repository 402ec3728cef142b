package config

import (
	"encoding/json"
	"fmt"
	"time"
)

func parseDurationField(name, raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s format: %w", name, err)
	}
	*dst = d
	return nil
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		ScheduleInterval string `json:"schedule_interval"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDurationField("schedule_interval", aux.ScheduleInterval, &a.ScheduleInterval)
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (a AppConfig) MarshalJSON() ([]byte, error) {
	type Alias AppConfig
	return json.Marshal(&struct {
		ScheduleInterval string `json:"schedule_interval"`
		*Alias
	}{
		ScheduleInterval: formatDuration(a.ScheduleInterval),
		Alias:            (*Alias)(&a),
	})
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (p *ProviderConfig) UnmarshalJSON(data []byte) error {
	type Alias ProviderConfig
	aux := &struct {
		Timeout       string `json:"timeout"`
		StoreCacheTTL string `json:"store_cache_ttl"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if err := parseDurationField("provider.timeout", aux.Timeout, &p.Timeout); err != nil {
		return err
	}
	return parseDurationField("provider.store_cache_ttl", aux.StoreCacheTTL, &p.StoreCacheTTL)
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (p ProviderConfig) MarshalJSON() ([]byte, error) {
	type Alias ProviderConfig
	return json.Marshal(&struct {
		Timeout       string `json:"timeout"`
		StoreCacheTTL string `json:"store_cache_ttl"`
		*Alias
	}{
		Timeout:       formatDuration(p.Timeout),
		StoreCacheTTL: formatDuration(p.StoreCacheTTL),
		Alias:         (*Alias)(&p),
	})
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (c *CheckConfig) UnmarshalJSON(data []byte) error {
	type Alias CheckConfig
	aux := &struct {
		RunTimeout     string `json:"run_timeout"`
		PersistTimeout string `json:"persist_timeout"`
		LockTTL        string `json:"lock_ttl"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if err := parseDurationField("check.run_timeout", aux.RunTimeout, &c.RunTimeout); err != nil {
		return err
	}
	if err := parseDurationField("check.persist_timeout", aux.PersistTimeout, &c.PersistTimeout); err != nil {
		return err
	}
	return parseDurationField("check.lock_ttl", aux.LockTTL, &c.LockTTL)
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (c CheckConfig) MarshalJSON() ([]byte, error) {
	type Alias CheckConfig
	return json.Marshal(&struct {
		RunTimeout     string `json:"run_timeout"`
		PersistTimeout string `json:"persist_timeout"`
		LockTTL        string `json:"lock_ttl"`
		*Alias
	}{
		RunTimeout:     formatDuration(c.RunTimeout),
		PersistTimeout: formatDuration(c.PersistTimeout),
		LockTTL:        formatDuration(c.LockTTL),
		Alias:          (*Alias)(&c),
	})
}
