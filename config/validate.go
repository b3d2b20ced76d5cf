package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-errors"

	migration "github.com/goliatone/go-migration"
	"github.com/goliatone/go-migration/cron"
)

var (
	storeDrivers = []string{"memory", "redis", "postgres", "sqlite"}
	handlerKinds = []string{"noop", "fail", "webhook"}
	logLevels    = []string{"trace", "debug", "info", "warn", "error", "fatal"}
)

// Validate reports every structural problem at once.
func (c *Config) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = errors.Join(errs, fmt.Errorf(format, args...))
	}

	if !oneOf(c.Store.Driver, storeDrivers) {
		add("store.driver %q must be one of %s", c.Store.Driver, strings.Join(storeDrivers, ", "))
	}
	switch c.Store.Driver {
	case "postgres", "sqlite":
		if strings.TrimSpace(c.Store.DSN) == "" {
			add("store.dsn is required for driver %s", c.Store.Driver)
		}
	case "redis":
		if strings.TrimSpace(c.Store.RedisAddr) == "" {
			add("store.redis_addr is required for driver redis")
		}
	}
	if c.Store.Codec != "" && c.Store.Codec != "json" && c.Store.Codec != "msgpack" {
		add("store.codec %q must be json or msgpack", c.Store.Codec)
	}
	if c.Logging.Level != "" && !oneOf(strings.ToLower(c.Logging.Level), logLevels) {
		add("logging.level %q is unknown", c.Logging.Level)
	}
	if r := c.Telemetry.Tracing.SampleRate; r < 0 || r > 1 {
		add("telemetry.tracing.sample_rate must be within [0,1]")
	}
	if c.Engine.DefaultConcurrency < 0 {
		add("engine.default_concurrency must not be negative")
	}
	if _, err := c.Engine.Scheduler.TimeLocation(); err != nil {
		add("engine.scheduler.location %q is unknown", c.Engine.Scheduler.Location)
	}
	if _, err := cron.ParseParser(c.Engine.Scheduler.Parser); err != nil {
		add("engine.scheduler.parser %q must be default, standard or seconds", c.Engine.Scheduler.Parser)
	}

	handlers := make(map[string]bool, len(c.Handlers))
	for i, h := range c.Handlers {
		name := strings.TrimSpace(h.Name)
		switch {
		case name == "":
			add("handlers[%d]: name is required", i)
		case handlers[name]:
			add("handlers[%d]: duplicate name %s", i, name)
		}
		handlers[name] = true
		if !oneOf(h.Kind, handlerKinds) {
			add("handlers[%d]: kind %q must be one of %s", i, h.Kind, strings.Join(handlerKinds, ", "))
		}
		if h.Kind == "webhook" && strings.TrimSpace(h.URL) == "" {
			add("handlers[%d]: webhook requires url", i)
		}
	}

	sagas := make(map[string]bool, len(c.Sagas))
	for i, s := range c.Sagas {
		if strings.TrimSpace(s.Type) == "" {
			add("sagas[%d]: type is required", i)
		} else if sagas[s.Type] {
			add("sagas[%d]: duplicate type %s", i, s.Type)
		}
		sagas[s.Type] = true
		if len(s.Milestones) == 0 {
			add("sagas[%d]: at least one milestone is required", i)
		}
		if s.CompletedLocation != "" {
			if _, ok := migration.ParseLocation(s.CompletedLocation); !ok {
				add("sagas[%d]: unknown completed_location %q", i, s.CompletedLocation)
			}
		}
		for j, m := range s.Milestones {
			if m.Location != "" {
				if _, ok := migration.ParseLocation(m.Location); !ok {
					add("sagas[%d].milestones[%d]: unknown location %q", i, j, m.Location)
				}
			}
			if len(c.Handlers) == 0 {
				continue
			}
			if !handlers[m.Handler] {
				add("sagas[%d].milestones[%d]: handler %q is not declared", i, j, m.Handler)
			}
			if !m.Irreversible && !handlers[m.Compensation] {
				add("sagas[%d].milestones[%d]: compensation %q is not declared", i, j, m.Compensation)
			}
		}
	}

	waves := make(map[string]bool, len(c.Waves))
	for i, w := range c.Waves {
		if w.ID != "" {
			if waves[w.ID] {
				add("waves[%d]: duplicate id %s", i, w.ID)
			}
			waves[w.ID] = true
		}
		if !sagas[w.SagaType] {
			add("waves[%d]: saga_type %q is not declared", i, w.SagaType)
		}
		if w.ScheduledStart != "" {
			if _, err := time.Parse(time.RFC3339, w.ScheduledStart); err != nil {
				add("waves[%d]: scheduled_start must be RFC3339", i)
			}
		}
		for _, raw := range w.Selection.Statuses {
			if _, ok := migration.ParseEntityStatus(raw); !ok {
				add("waves[%d]: unknown status %q", i, raw)
			}
		}
		for _, raw := range w.Selection.Locations {
			if _, ok := migration.ParseLocation(raw); !ok {
				add("waves[%d]: unknown location %q", i, raw)
			}
		}
	}

	if errs != nil {
		return migration.NewError(migration.ErrInvalidConfiguration, "invalid configuration", errs, nil)
	}
	return nil
}

func oneOf(v string, options []string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}
