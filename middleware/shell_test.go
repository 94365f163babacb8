package middleware

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUpdaterFailsWithIncorrectTimeFields(t *testing.T) {
	_, err := NewUpdater(-2, 10*time.Second, "echo", "hello world")
	require.ErrorContains(t, err, "updater needs to be set with a valid interval")

	_, err = NewUpdater(10*time.Second, -1, "echo", "hello world")
	require.ErrorContains(t, err, "updater needs a valid timeout")
}

func TestUpdaterKilledWithTimeout(t *testing.T) {
	app, err := NewUpdater(10*time.Second, 1*time.Second, "sleep", "5")
	require.NoError(t, err)
	err = app.Run()
	require.ErrorContains(t, err, "signal: killed")
}

func TestUpdaterGetScheduledWithInterval(t *testing.T) {
	tmpFile, err := os.CreateTemp(os.TempDir(), "updater.test")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	app, err := NewUpdater(2*time.Second, 1*time.Second, "sh", "-c", "echo 'refreshed' >> "+tmpFile.Name())
	require.NoError(t, err)
	tick := app.RunBg()
	defer tick.Stop()
	time.Sleep(5 * time.Second)

	dat, err := os.ReadFile(tmpFile.Name())
	require.NoError(t, err)
	count := strings.Count(string(dat), "refreshed")
	require.Equal(t, count, 2)
}
