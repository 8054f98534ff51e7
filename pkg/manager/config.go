package manager

import (
	"time"

	"github.com/sleepinghank/usb-manager/internal/hidsvc"
)

// Config carries the filesystem locations the manager works with.
type Config struct {
	DataDir       string
	ManagerConfig string
}

// Settings is the watchable on-disk configuration (manager.yml).
type Settings struct {
	UsagePage       uint16 `json:"usagePage"`
	PollInterval    string `json:"pollInterval"`
	EventBufferSize int    `json:"eventBufferSize"`
}

func DefaultSettings() Settings {
	return Settings{
		UsagePage:       hidsvc.DefaultUsagePage,
		PollInterval:    "2s",
		EventBufferSize: 64,
	}
}

// PollDuration parses the configured poll interval, falling back to
// the default on garbage input.
func (s Settings) PollDuration() time.Duration {
	d, err := time.ParseDuration(s.PollInterval)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}
