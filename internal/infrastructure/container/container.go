package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"fundledger/internal/application/port"
	"fundledger/internal/infrastructure/config"
	"fundledger/internal/infrastructure/pricefeed"
	"fundledger/internal/infrastructure/storage"
	"fundledger/internal/infrastructure/storage/composite"
	pgrepo "fundledger/internal/infrastructure/storage/postgres"
	redisrepo "fundledger/internal/infrastructure/storage/redis"
	sqliterepo "fundledger/internal/infrastructure/storage/sqlite"
)

// Container 包含所有基础设施依赖
type Container struct {
	cfg *config.Config

	redisClient *redis.Client
	redisRepo   *redisrepo.Repo
	sqliteRepo  *sqliterepo.Repo
	pgRepo      *pgrepo.Repo

	store   port.LedgerStore
	quotes  port.QuoteBook
	catalog port.Catalog
	sink    port.EventSink

	closeOnce   sync.Once
	closerChain []func() error
}

// New 按配置装配存储、净值簿、基金目录与事件出口
func New(cfg *config.Config) (*Container, error) {
	c := &Container{
		cfg:         cfg,
		closerChain: make([]func() error, 0),
	}
	if err := c.init(); err != nil {
		// 清理已初始化的资源
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Container) init() error {
	if c.cfg.Redis.Enabled {
		if err := c.initRedis(); err != nil {
			return fmt.Errorf("redis init failed: %w", err)
		}
	}

	switch c.cfg.Storage.Driver {
	case config.DriverSQLite:
		if err := c.initSQLite(); err != nil {
			return fmt.Errorf("sqlite init failed: %w", err)
		}
	case config.DriverPostgres:
		if err := c.initPostgres(); err != nil {
			return fmt.Errorf("postgres init failed: %w", err)
		}
	default:
		c.initMemory()
	}

	if c.cfg.Redis.QuoteBook && c.redisRepo != nil {
		c.quotes = c.redisRepo
		if err := c.seedQuotes(); err != nil {
			return fmt.Errorf("seed quotes: %w", err)
		}
	} else if c.redisRepo != nil {
		c.quotes = composite.NewQuoteBook(c.quotes, c.redisRepo)
	}

	if c.redisRepo != nil {
		c.sink = composite.New(c.redisRepo)
	}
	return nil
}

// initRedis 初始化 Redis 连接
func (c *Container) initRedis() error {
	rc := c.cfg.Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	c.redisClient = rdb
	ttl := time.Duration(rc.TTLSeconds) * time.Second
	c.redisRepo = redisrepo.New(rdb, rc.Prefix, ttl, rc.EventStream, rc.EventChannel)

	c.closerChain = append(c.closerChain, func() error {
		log.Info().Msg("closing redis connection")
		return rdb.Close()
	})

	log.Info().
		Str("addr", rc.Addr).
		Int("db", rc.DB).
		Str("stream", c.redisRepo.EventStream()).
		Msg("redis initialized")
	return nil
}

// initSQLite 持仓、交易、基金目录、净值都落在同一个 sqlite 文件
func (c *Container) initSQLite() error {
	repo, err := sqliterepo.New(c.cfg.Storage.SQLite.Path)
	if err != nil {
		return err
	}
	c.sqliteRepo = repo
	c.closerChain = append(c.closerChain, func() error {
		log.Info().Msg("closing sqlite connection")
		return repo.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	funds := sqliterepo.NewFundRepo(repo.GetDB())
	for _, f := range c.cfg.Funds() {
		if err := funds.UpsertFund(ctx, f); err != nil {
			return fmt.Errorf("upsert fund %s: %w", f.Code, err)
		}
	}

	c.store = repo
	c.catalog = funds
	c.quotes = sqliterepo.NewQuoteRepo(repo.GetDB())
	if err := c.seedQuotes(); err != nil {
		return err
	}

	log.Info().
		Str("path", c.cfg.Storage.SQLite.Path).
		Int("funds", len(c.cfg.Catalog.Funds)).
		Msg("sqlite initialized")
	return nil
}

func (c *Container) initPostgres() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, err := pgrepo.Connect(ctx, c.cfg.Storage.Postgres)
	if err != nil {
		return err
	}
	c.pgRepo = repo
	c.closerChain = append(c.closerChain, func() error {
		log.Info().Msg("closing postgres pool")
		return repo.Close()
	})

	c.store = repo
	c.catalog = storage.NewInMemoryCatalog(c.cfg.Funds()...)
	c.quotes = storage.NewInMemoryQuoteBook(c.cfg.SeedQuotes(time.Now())...)

	log.Info().
		Str("host", c.cfg.Storage.Postgres.Host).
		Str("db", c.cfg.Storage.Postgres.Name).
		Msg("postgres initialized")
	return nil
}

func (c *Container) initMemory() {
	c.store = storage.NewInMemoryLedgerStore()
	c.catalog = storage.NewInMemoryCatalog(c.cfg.Funds()...)
	c.quotes = storage.NewInMemoryQuoteBook(c.cfg.SeedQuotes(time.Now())...)
	log.Debug().Msg("in-memory ledger initialized")
}

// seedQuotes 只补齐缺失的净值，不覆盖已有报价
func (c *Container) seedQuotes() error {
	seeds := c.cfg.SeedQuotes(time.Now())
	if len(seeds) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	codes := make([]string, 0, len(seeds))
	for _, q := range seeds {
		codes = append(codes, q.FundCode)
	}
	have, err := c.quotes.LatestMany(ctx, codes)
	if err != nil {
		return err
	}
	for _, q := range seeds {
		if _, ok := have[q.FundCode]; ok {
			continue
		}
		if err := c.quotes.PutQuote(ctx, q); err != nil {
			return fmt.Errorf("seed quote %s: %w", q.FundCode, err)
		}
	}
	return nil
}

// PriceFeeds 按 pricefeed.source 创建行情订阅；未启用时返回空
func (c *Container) PriceFeeds() ([]port.PriceFeed, error) {
	pf := c.cfg.PriceFeed
	if !pf.Enabled {
		return nil, nil
	}
	factory, ok := pricefeed.Get(pf.Source)
	if !ok {
		return nil, fmt.Errorf("unknown pricefeed.source %q (have %v)", pf.Source, pricefeed.Sources())
	}
	feed := factory(pricefeed.Options{
		WsURL:        pf.WsURL,
		PingInterval: time.Duration(pf.PingIntervalSec) * time.Second,
	})
	return []port.PriceFeed{feed}, nil
}

// Config 获取配置
func (c *Container) Config() *config.Config {
	return c.cfg
}

func (c *Container) Store() port.LedgerStore { return c.store }

func (c *Container) Quotes() port.QuoteBook { return c.quotes }

func (c *Container) Catalog() port.Catalog { return c.catalog }

// EventSink returns nil when no sink is configured.
func (c *Container) EventSink() port.EventSink { return c.sink }

// RedisClient 获取 Redis 客户端
func (c *Container) RedisClient() *redis.Client {
	return c.redisClient
}

// SQLiteRepo 获取 SQLite 仓储
func (c *Container) SQLiteRepo() *sqliterepo.Repo {
	return c.sqliteRepo
}

// Close 关闭所有资源（按后进先出顺序）
func (c *Container) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.store != nil && c.sqliteRepo == nil && c.pgRepo == nil {
			_ = c.store.Close()
		}
		for i := len(c.closerChain) - 1; i >= 0; i-- {
			if e := c.closerChain[i](); e != nil {
				log.Error().Err(e).Msg("error closing resource")
				if err == nil {
					err = e
				}
			}
		}
		log.Debug().Msg("container closed")
	})
	return err
}
