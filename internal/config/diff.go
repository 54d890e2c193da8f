package config

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
)

// Changes lists the top-level sections that differ between old and new,
// plus one entry per added, removed or modified trigger. Used to log what a
// reload actually touched.
func Changes(old, new *Config) []string {
	if old == nil || new == nil {
		if old == new {
			return nil
		}
		return []string{"config"}
	}
	var out []string
	section := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			out = append(out, name)
		}
	}
	section("logging", old.Logging, new.Logging)
	section("engine", old.Engine, new.Engine)
	section("throttle", old.Throttle, new.Throttle)
	section("dedup", old.Dedup, new.Dedup)
	section("http", old.HTTP, new.HTTP)
	section("storage", old.Storage, new.Storage)
	section("admin", old.Admin, new.Admin)
	section("timezone", old.Timezone, new.Timezone)

	before := triggersByName(old.Triggers)
	after := triggersByName(new.Triggers)
	for _, name := range slices.Sorted(maps.Keys(after)) {
		prev, ok := before[name]
		switch {
		case !ok:
			out = append(out, fmt.Sprintf("triggers.%s (added)", name))
		case !reflect.DeepEqual(prev, after[name]):
			out = append(out, fmt.Sprintf("triggers.%s (changed)", name))
		}
	}
	for _, name := range slices.Sorted(maps.Keys(before)) {
		if _, ok := after[name]; !ok {
			out = append(out, fmt.Sprintf("triggers.%s (removed)", name))
		}
	}
	return out
}

func triggersByName(ts []TriggerConfig) map[string]TriggerConfig {
	m := make(map[string]TriggerConfig, len(ts))
	for _, t := range ts {
		m[t.Name] = t
	}
	return m
}
