// Package manager wires the HID service, its Linux backend, the
// config watcher and the device store into one runnable unit.
package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sleepinghank/usb-manager/internal/configsvc"
	"github.com/sleepinghank/usb-manager/internal/devstore"
	"github.com/sleepinghank/usb-manager/internal/hidsvc"
	"github.com/sleepinghank/usb-manager/internal/hidsvc/linux"
	"github.com/sleepinghank/usb-manager/pkg/hiddev"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

type Manager struct {
	config Config
	log    *zap.Logger

	store     *devstore.Store
	configSvc *configsvc.Service
	backend   *linux.Backend
	hidSvc    *hidsvc.Service
}

func New(config Config) (*Manager, error) {
	loggerConfig := zap.NewDevelopmentConfig()
	loggerConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000000000")
	loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	settings, err := configsvc.Load(config.ManagerConfig, DefaultSettings())
	if err != nil {
		return nil, err
	}

	store, err := devstore.Open(logger.Named("store"), filepath.Join(config.DataDir, "db"), time.Now)
	if err != nil {
		return nil, err
	}

	backend := linux.NewBackend(logger.Named("hid.linux"), linux.WithPollInterval(settings.PollDuration()))
	hidSvc := hidsvc.New(logger.Named("hid"), backend, backend,
		hidsvc.WithUsagePage(settings.UsagePage),
		hidsvc.WithEventBufferSize(settings.EventBufferSize),
		hidsvc.WithStore(store),
	)

	return &Manager{
		config:    config,
		log:       logger,
		store:     store,
		configSvc: configsvc.New(logger.Named("config")),
		backend:   backend,
		hidSvc:    hidSvc,
	}, nil
}

// Run starts the manager and blocks until the context is cancelled.
// The managed usage page follows the config file while running.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return m.configSvc.Start(groupCtx)
	})
	group.Go(func() error {
		select {
		case <-groupCtx.Done():
			return nil
		case <-m.configSvc.Ready():
		}
		_, err := configsvc.Register(m.configSvc, m.config.ManagerConfig, DefaultSettings(), func(settings Settings, err error) {
			if err != nil {
				m.log.Error("failed to reload settings", zap.Error(err))
				return
			}
			m.hidSvc.SetUsagePage(settings.UsagePage)
		})
		if err != nil {
			m.log.Warn("settings file is not watchable", zap.Error(err))
		}
		return nil
	})
	group.Go(func() error {
		return m.hidSvc.Start(groupCtx)
	})

	if err := group.Wait(); err != nil {
		return fmt.Errorf("manager failed: %w", err)
	}
	return nil
}

func (m *Manager) Close() error {
	return m.store.Close()
}

func (m *Manager) HID() *hidsvc.Service {
	return m.hidSvc
}

func (m *Manager) Store() *devstore.Store {
	return m.store
}

func (m *Manager) Log() *zap.Logger {
	return m.log
}

// Devices runs a one-shot enumeration filtered to the managed usage
// page, without starting the services. Used by the CLI one-shot
// commands.
func (m *Manager) Devices() ([]hiddev.Device, error) {
	devices, err := m.backend.Enumerate()
	if err != nil {
		return nil, err
	}
	page := m.hidSvc.UsagePage()
	snapshots := make([]hiddev.Device, 0, len(devices))
	for _, dev := range devices {
		if dev.UsagePage != page {
			continue
		}
		snapshots = append(snapshots, *dev)
	}
	return snapshots, nil
}

// Device finds one managed device by id via a one-shot enumeration.
func (m *Manager) Device(id uuid.UUID) (hiddev.Device, error) {
	devices, err := m.Devices()
	if err != nil {
		return hiddev.Device{}, err
	}
	for _, dev := range devices {
		if dev.ID == id {
			return dev, nil
		}
	}
	return hiddev.Device{}, fmt.Errorf("%w: %s", hiddev.ErrNotFound, id)
}
