package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validPermissions = map[string]bool{
	"granted": true,
	"denied":  true,
	"prompt":  true,
}

var validTargetTypes = map[string]bool{
	"local":  true,
	"s3":     true,
	"gcs":    true,
	"azblob": true,
	"b2":     true,
}

// ValidationResult separates errors that must stop startup from values that
// were corrected in place.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// ValidateTiered checks the config. Out-of-range numbers are clamped and
// reported as warnings; malformed URLs, schedules and enums are fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	for name, raw := range map[string]string{
		"base_url":     c.BaseURL,
		"app_url":      c.AppURL,
		"push_url":     c.PushURL,
		"delivery_url": c.DeliveryURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("%s %q is not a valid URL: %w", name, raw, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			r.Fatals = append(r.Fatals, fmt.Errorf("%s scheme must be http or https, got %q", name, u.Scheme))
		}
	}

	if !validPermissions[strings.ToLower(c.NotificationPermission)] {
		r.Fatals = append(r.Fatals, fmt.Errorf("notification_permission %q is not valid (use granted, denied, prompt)", c.NotificationPermission))
	}

	c.CheckIntervalSeconds = clamp(&r, "check_interval_seconds", c.CheckIntervalSeconds, 60, 24*3600)
	c.AutoApplyDelaySeconds = clamp(&r, "auto_apply_delay_seconds", c.AutoApplyDelaySeconds, 0, 600)
	c.FetchTimeoutSeconds = clamp(&r, "fetch_timeout_seconds", c.FetchTimeoutSeconds, 1, 120)
	c.EventQueueSize = clamp(&r, "event_queue_size", c.EventQueueSize, 1, 10000)
	c.Release.RolloutPercentage = clamp(&r, "release.rollout_percentage", c.Release.RolloutPercentage, 0, 100)
	c.Verify.RequestTimeoutSeconds = clamp(&r, "verify.request_timeout_seconds", c.Verify.RequestTimeoutSeconds, 1, 120)

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	if c.Reminders.Enabled {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		for name, schedule := range map[string]string{
			"reminders.daily_schedule":    c.Reminders.DailySchedule,
			"reminders.progress_schedule": c.Reminders.ProgressSchedule,
		} {
			if _, err := parser.Parse(schedule); err != nil {
				r.Fatals = append(r.Fatals, fmt.Errorf("%s %q: %w", name, schedule, err))
			}
		}
	}

	if c.ControlAddr != "" {
		if err := checkLoopback(c.ControlAddr); err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("control_addr: %w", err))
		}
	}

	for i, t := range c.Release.Targets {
		if !validTargetTypes[t.Type] {
			r.Fatals = append(r.Fatals, fmt.Errorf("release.targets[%d]: unknown type %q", i, t.Type))
		}
	}

	return r
}

// checkLoopback accepts host:port where host is a loopback address.
func checkLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("%q is not a loopback address", addr)
}

func clamp(r *ValidationResult, name string, v, lo, hi int) int {
	if v < lo {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", name, v, lo))
		return lo
	}
	if v > hi {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", name, v, hi))
		return hi
	}
	return v
}
