package pricefeed

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"fundledger/internal/application/port"
)

// Options 构造 feed 时的参数
type Options struct {
	WsURL        string
	PingInterval time.Duration
}

// Factory 按配置创建一个 price feed
type Factory func(opts Options) port.PriceFeed

// registry maps source names to their feed factories
var registry = make(map[string]Factory)

// Register 注册一个 price feed factory，由各 feed 的 init() 调用
func Register(source string, factory Factory) {
	if factory == nil {
		log.Warn().Str("source", source).Msg("invalid price feed factory")
		return
	}
	if _, exists := registry[source]; exists {
		log.Warn().Str("source", source).Msg("price feed factory already registered, overwriting")
	}
	registry[source] = factory
}

// Get 获取已注册的 factory
func Get(source string) (Factory, bool) {
	factory, ok := registry[source]
	return factory, ok
}

// Sources lists registered source names, sorted.
func Sources() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
