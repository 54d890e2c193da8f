package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
engine:
  workers: 8
  default_retries: 2
throttle:
  enabled: true
  wake_interval: 2s
  max_window: 1m
dedup:
  enabled: true
  max_entries: 50
http:
  timeout: 10s
  rate_per_sec: 5
  burst: 2
storage:
  driver: sqlite
  path: ./data/history.sqlite
admin:
  enabled: true
  addr: 127.0.0.1:9090
triggers:
  - name: ping
    schedule: "@every 30s"
    url: https://example.com/ping
    retries: 3
timezone: UTC
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("dispatchq.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8, cfg.Engine.WorkerCount())
	assert.Equal(t, 2, cfg.Engine.DefaultRetries)
	wake, maxWin := cfg.Throttle.Durations()
	assert.Equal(t, 2*time.Second, wake)
	assert.Equal(t, time.Minute, maxWin)
	assert.Equal(t, 5*time.Minute, cfg.Dedup.MaxAgeDuration())
	assert.Equal(t, 10*time.Second, cfg.HTTP.TimeoutDuration())
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Len(t, cfg.Triggers, 1)
	require.NotNil(t, cfg.Triggers[0].Retries)
	assert.Equal(t, 3, *cfg.Triggers[0].Retries)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestDecodeDefaults(t *testing.T) {
	cfg, err := Decode("c.json", []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultWorkers, cfg.Engine.WorkerCount())
	wake, maxWin := cfg.Throttle.Durations()
	assert.Equal(t, 5*time.Second, wake)
	assert.Zero(t, maxWin)
	assert.Equal(t, 30*time.Second, cfg.HTTP.TimeoutDuration())
	assert.Equal(t, DefaultAdminAddr, cfg.Admin.Address())
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"bogus": 1}`))
	require.Error(t, err)

	_, err = Decode("c.json", []byte(`{} {}`))
	require.Error(t, err)

	_, err = Decode("c.yml", []byte("engine:\n  nope: 1\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := map[string]string{
		"negative workers":    `{"engine":{"workers":-1}}`,
		"bad level":           `{"logging":{"level":"loud"}}`,
		"bad duration":        `{"throttle":{"wake_interval":"soon"}}`,
		"negative duration":   `{"dedup":{"max_age":"-1s"}}`,
		"unknown driver":      `{"storage":{"driver":"mongo","path":"x"}}`,
		"missing store path":  `{"storage":{"driver":"file"}}`,
		"short jwt secret":    `{"admin":{"jwt_secret":"short"}}`,
		"bad addr":            `{"admin":{"addr":"nope"}}`,
		"bad timezone":        `{"timezone":"Mars/Olympus"}`,
		"trigger without url": `{"triggers":[{"name":"a","schedule":"@every 1s"}]}`,
		"trigger bad method":  `{"triggers":[{"name":"a","schedule":"@every 1s","url":"http://x","method":"BREW"}]}`,
		"trigger retries":     `{"triggers":[{"name":"a","schedule":"@every 1s","url":"http://x","retries":-1}]}`,
		"duplicate trigger": `{"triggers":[
			{"name":"a","schedule":"@every 1s","url":"http://x"},
			{"name":"a","schedule":"@every 2s","url":"http://y"}]}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			cfg, err := Decode("c.json", []byte(body))
			require.NoError(t, err)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, (&Config{Storage: &StorageConfig{Driver: "none"}}).Validate())
}

func TestChanges(t *testing.T) {
	old := &Config{
		Engine:   EngineConfig{Workers: 2},
		Triggers: []TriggerConfig{{Name: "a", URL: "http://a"}, {Name: "b", URL: "http://b"}},
	}
	next := &Config{
		Engine:   EngineConfig{Workers: 2},
		Throttle: ThrottleConfig{Enabled: true},
		Triggers: []TriggerConfig{{Name: "a", URL: "http://a2"}, {Name: "c", URL: "http://c"}},
	}
	assert.Equal(t, []string{
		"throttle",
		"triggers.a (changed)",
		"triggers.c (added)",
		"triggers.b (removed)",
	}, Changes(old, next))
	assert.Empty(t, Changes(old, old))
	assert.Equal(t, []string{"config"}, Changes(nil, next))
}

func TestManagerReload(t *testing.T) {
	path := writeFile(t, "dispatchq.json", `{"engine":{"workers":2}}`)
	m := NewManager(path)

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Engine.Workers)
	assert.Same(t, cfg, m.Get())

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	changed, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, changed, "identical content is not republished")

	require.NoError(t, os.WriteFile(path, []byte(`{"engine":{"workers":3}}`), 0o644))
	changed, err = m.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	got := <-ch
	assert.Equal(t, 3, got.Engine.Workers)

	require.NoError(t, os.WriteFile(path, []byte(`{"engine":{"workers":-3}}`), 0o644))
	_, err = m.Reload(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, m.Get().Engine.Workers, "invalid config is not committed")
}

func TestManagerValidatorRejects(t *testing.T) {
	path := writeFile(t, "dispatchq.json", `{}`)
	m := NewManager(path, WithValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Engine.Workers > 4 {
			return errors.New("too many workers")
		}
		return nil
	}))
	_, err := m.Load()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"engine":{"workers":9}}`), 0o644))
	_, err = m.Reload(context.Background())
	require.ErrorContains(t, err, "too many workers")
	assert.Zero(t, m.Get().Engine.Workers)
}

func TestSubscribeKeepsNewest(t *testing.T) {
	m := NewManager("unused")
	ch := m.Subscribe(1)
	a, b := &Config{Timezone: "a"}, &Config{Timezone: "b"}
	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-ch)

	m.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok)
	m.Unsubscribe(ch)
}

func TestWatchPublishesChanges(t *testing.T) {
	path := writeFile(t, "dispatchq.yaml", "engine:\n  workers: 1\n")
	m := NewManager(path, withDebounce(20*time.Millisecond))
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// The watcher needs a moment to register before the write.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("engine:\n  workers: 6\n"), 0o644)
		select {
		case cfg := <-ch:
			return cfg.Engine.Workers == 6
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
