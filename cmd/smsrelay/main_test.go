package main

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/smsrelay/internal/models"
)

func TestParseVars(t *testing.T) {
	vars, err := parseVars([]string{"name=Ada", "count=3", "code=007", " city =Bishkek"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"name":  "Ada",
		"count": int64(3),
		"code":  "007",
		"city":  "Bishkek",
	}, vars)

	vars, err = parseVars(nil)
	require.NoError(t, err)
	assert.Nil(t, vars)

	_, err = parseVars([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseVars([]string{"=x"})
	assert.Error(t, err)
}

func TestParseVariants(t *testing.T) {
	variants, err := parseVariants([]string{"a:3:Hi {name}", "b:1:Hello: {name}"})
	require.NoError(t, err)
	assert.Equal(t, []models.Variant{
		{Name: "a", Weight: 3, Body: "Hi {name}"},
		{Name: "b", Weight: 1, Body: "Hello: {name}"},
	}, variants)

	for _, bad := range []string{"a:3", "a:x:body", ":1:body", "a:-1:body", "a:1:"} {
		_, err := parseVariants([]string{bad})
		assert.Error(t, err, bad)
	}
}

func newSendFlags(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "send"}
	addSendFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestSendOptions(t *testing.T) {
	cmd := newSendFlags(t,
		"--var", "name=Ada",
		"--customer", "cus_1",
		"--category", "marketing",
		"--priority", "2",
		"--at", "2026-11-01T09:00:00Z",
		"--every", "Weekly",
		"--interval", "2",
		"--times", "4",
		"--until", "2027-01-01T00:00:00Z",
	)

	opts, err := sendOptions(cmd)
	require.NoError(t, err)
	assert.Equal(t, "cus_1", opts.CustomerID)
	assert.Equal(t, "marketing", opts.MessageCategory)
	assert.Equal(t, 2, opts.Priority)
	assert.Equal(t, "2026-11-01T09:00:00Z", opts.ScheduledAt)
	assert.Equal(t, map[string]any{"name": "Ada"}, opts.Variables)

	require.NotNil(t, opts.Recurring)
	assert.Equal(t, models.FrequencyWeekly, opts.Recurring.Frequency)
	assert.Equal(t, 2, opts.Recurring.Interval)
	assert.Equal(t, 4, opts.Recurring.MaxOccurrences)
	require.NotNil(t, opts.Recurring.EndAt)
	assert.True(t, opts.Recurring.EndAt.Equal(time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestSendOptions_NotRecurring(t *testing.T) {
	opts, err := sendOptions(newSendFlags(t, "--optimize"))
	require.NoError(t, err)
	assert.True(t, opts.OptimizeSendTime)
	assert.Nil(t, opts.Recurring)
}

func TestSendOptions_BadUntil(t *testing.T) {
	_, err := sendOptions(newSendFlags(t, "--every", "daily", "--until", "someday"))
	assert.Error(t, err)
}

func TestRootCommand(t *testing.T) {
	root := rootCmd()
	for _, name := range []string{"serve", "migrate", "process", "send", "send-template", "cancel",
		"provider", "blacklist", "optout", "limit", "template", "stats", "version"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}
