package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints, duration strings, the time zone and
// trigger name uniqueness.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	durations := map[string]string{
		"throttle.wake_interval": c.Throttle.WakeInterval,
		"throttle.max_window":    c.Throttle.MaxWindow,
		"dedup.max_age":          c.Dedup.MaxAge,
		"http.timeout":           c.HTTP.Timeout,
		"admin.read_timeout":     c.Admin.ReadTimeout,
	}
	if c.Storage != nil {
		durations["storage.busy_timeout"] = c.Storage.BusyTimeout
	}
	var errs []error
	if s := c.Storage; s != nil && s.Driver != "" && s.Driver != "none" && strings.TrimSpace(s.Path) == "" {
		errs = append(errs, fmt.Errorf("storage.path: required for driver %q", s.Driver))
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}

	seen := map[string]bool{}
	for i, t := range c.Triggers {
		name := strings.TrimSpace(t.Name)
		if seen[name] {
			errs = append(errs, fmt.Errorf("triggers[%d]: duplicate name %q", i, name))
		}
		seen[name] = true
	}
	return errors.Join(errs...)
}

// Location resolves Timezone. Empty means time.Local.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	return loc, nil
}
