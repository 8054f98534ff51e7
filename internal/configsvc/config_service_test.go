package configsvc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testConfig struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func startTestService(t *testing.T) *Service {
	t.Helper()
	svc := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	select {
	case <-svc.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("config service did not become ready")
	}
	return svc
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	def := testConfig{Name: "fallback", Count: 3}
	config, err := Load(filepath.Join(t.TempDir(), "nope.yml"), def)
	require.NoError(t, err)
	assert.Equal(t, def, config)
}

func TestLoadReadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("name: from-disk\ncount: 7\n"), 0o644))

	config, err := Load(path, testConfig{Name: "fallback"})
	require.NoError(t, err)
	assert.Equal(t, testConfig{Name: "from-disk", Count: 7}, config)
}

func TestRegisterWritesDefaultsForMissingFile(t *testing.T) {
	svc := startTestService(t)
	path := filepath.Join(t.TempDir(), "config.yml")
	def := testConfig{Name: "initial", Count: 1}

	config, err := Register(svc, path, def, func(testConfig, error) {})
	require.NoError(t, err)
	assert.Equal(t, def, config)

	onDisk, err := Load(path, testConfig{})
	require.NoError(t, err)
	assert.Equal(t, def, onDisk)
}

func TestRegisterNotifiesOnChange(t *testing.T) {
	svc := startTestService(t)
	path := filepath.Join(t.TempDir(), "config.yml")

	updates := make(chan testConfig, 1)
	_, err := Register(svc, path, testConfig{Name: "initial"}, func(config testConfig, err error) {
		require.NoError(t, err)
		select {
		case updates <- config:
		default:
		}
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("name: updated\ncount: 2\n"), 0o644))
	select {
	case config := <-updates:
		assert.Equal(t, testConfig{Name: "updated", Count: 2}, config)
	case <-time.After(5 * time.Second):
		t.Fatal("change notification did not arrive")
	}
}
