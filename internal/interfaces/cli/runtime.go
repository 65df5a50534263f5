package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"

	appcontainer "fundledger/internal/application/container"
	"fundledger/internal/infrastructure/config"
	infracontainer "fundledger/internal/infrastructure/container"
	"fundledger/internal/infrastructure/logger"
	"fundledger/internal/interfaces/console"
)

// Runtime 一次命令执行所需的全部依赖
type Runtime struct {
	Config *config.Config
	Infra  *infracontainer.Container
	App    *appcontainer.Container
	Out    io.Writer
	Render *console.Renderer

	closers []func() error
}

// Opener builds a Runtime; commands close it when they finish.
type Opener func() (*Runtime, error)

// Open 读取配置并装配容器。配置文件不存在且未显式指定时使用默认配置。
func Open(path string, explicit bool, out io.Writer) (*Runtime, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = config.Default()
	}

	closeLog, err := logger.Setup(logger.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		return nil, err
	}

	infra, err := infracontainer.New(cfg)
	if err != nil {
		_ = closeLog()
		return nil, fmt.Errorf("init storage: %w", err)
	}

	rt, err := NewRuntime(cfg, infra, out)
	if err != nil {
		_ = infra.Close()
		_ = closeLog()
		return nil, err
	}
	rt.closers = append(rt.closers, closeLog, infra.Close)
	log.Debug().Str("config", path).Str("driver", cfg.Storage.Driver).Msg("ledger opened")
	return rt, nil
}

// NewRuntime wires the application services over an existing infrastructure container.
func NewRuntime(cfg *config.Config, infra *infracontainer.Container, out io.Writer) (*Runtime, error) {
	fees, err := cfg.FeeSchedule()
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = os.Stdout
	}
	app := appcontainer.New(appcontainer.Deps{
		Store:        infra.Store(),
		Quotes:       infra.Quotes(),
		Catalog:      infra.Catalog(),
		Sink:         infra.EventSink(),
		Fees:         fees,
		MaxAttempts:  cfg.Ledger.MaxAttempts,
		QuoteTimeout: cfg.QuoteTimeout(),
		MaxQuoteAge:  cfg.MaxQuoteAge(),
	})
	return &Runtime{
		Config: cfg,
		Infra:  infra,
		App:    app,
		Out:    out,
		Render: console.NewRenderer(out, cfg.App.Currency),
	}, nil
}

// Close 按后进先出顺序释放资源
func (rt *Runtime) Close() error {
	var first error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	rt.closers = nil
	return first
}
