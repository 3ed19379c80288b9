package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTagFilter(t *testing.T) {
	filter, err := ParseTagFilter("Foo:bar")
	require.NoError(t, err)
	assert.Equal(t, TagFilter{Key: "Foo", Value: "bar"}, filter)
	assert.Equal(t, "Foo:bar", filter.String())

	for _, input := range []string{"Foo", "Foo:bar:baz", "", ":bar", "Foo:", "Fo o:bar", "Foo:b-ar"} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseTagFilter(input)
			require.ErrorIs(t, err, ErrMalformedTagFilter)
		})
	}
}

func TestTagFilterMatches(t *testing.T) {
	filter := TagFilter{Key: "RepeatedAlarm", Value: "true"}

	assert.True(t, filter.Matches(map[string]string{"RepeatedAlarm": "true", "team": "ops"}))
	assert.False(t, filter.Matches(map[string]string{"RepeatedAlarm": "false"}))
	assert.False(t, filter.Matches(map[string]string{"RepeatedAlarm": ""}))
	assert.False(t, filter.Matches(map[string]string{"repeatedalarm": "true"}))
	assert.False(t, filter.Matches(nil))
	assert.False(t, TagFilter{}.Matches(map[string]string{"": ""}))
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 300, cfg.Notification.IntervalSeconds)
	assert.Equal(t, 5*time.Minute, cfg.Notification.Interval())
	assert.Equal(t, TagFilter{Key: "RepeatedAlarm", Value: "true"}, cfg.TagFilter)
	assert.False(t, cfg.Discovery.ResourceGroup)
	assert.Equal(t, "arn:aws:sns", cfg.AWS.SNSPrefix())
	assert.Equal(t, time.Second, cfg.Scheduler.SweepEvery)
	assert.Equal(t, time.Minute, cfg.Scheduler.CheckTimeout)
	assert.Equal(t, 3, cfg.Scheduler.MaxCheckAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Publish.BackoffInitial)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
notification:
  interval_seconds: 60
  tag: "Page:yes"
discovery:
  resource_group: true
aws:
  partition: aws-cn
scheduler:
  sweep_every: 5s
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cfg.Notification.Interval())
	assert.Equal(t, TagFilter{Key: "Page", Value: "yes"}, cfg.TagFilter)
	assert.True(t, cfg.Discovery.ResourceGroup)
	assert.Equal(t, "arn:aws-cn:sns", cfg.AWS.SNSPrefix())
	assert.Equal(t, 5*time.Second, cfg.Scheduler.SweepEvery)
}

func TestLoad_EnvOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("REPEATED_ALARM_NOTIFICATION_INTERVAL_SECONDS", "120")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Notification.Interval())
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{
			name:    "tag without colon",
			content: "notification:\n  tag: Foo\n",
			wantErr: ErrMalformedTagFilter,
		},
		{
			name:    "tag with two colons",
			content: "notification:\n  tag: \"Foo:bar:baz\"\n",
			wantErr: ErrMalformedTagFilter,
		},
		{
			name:    "zero interval",
			content: "notification:\n  interval_seconds: 0\n",
			wantErr: ErrInvalidInterval,
		},
		{
			name:    "sub-second sweep",
			content: "scheduler:\n  sweep_every: 100ms\n",
			wantErr: ErrInvalidScheduler,
		},
		{
			name:    "zero check timeout",
			content: "scheduler:\n  check_timeout: 0s\n",
			wantErr: ErrInvalidScheduler,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			_, err := Load(path)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func chdir(t *testing.T, dir string) {
	t.Helper()

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		_ = os.Chdir(wd)
	})
}
