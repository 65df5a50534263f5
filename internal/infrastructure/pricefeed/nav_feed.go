package pricefeed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fundledger/internal/application/port"
)

const SourceNavWS = "nav_ws"

func init() {
	Register(SourceNavWS, func(opts Options) port.PriceFeed {
		return NewNAVFeed(opts.WsURL, opts.PingInterval)
	})
}

// NAVFeed 订阅 websocket 净值推送，topic 形如 "nav.000001"
type NAVFeed struct {
	wsURL     string
	pingEvery time.Duration
}

func NewNAVFeed(wsURL string, pingEvery time.Duration) *NAVFeed {
	if pingEvery <= 0 {
		pingEvery = 25 * time.Second
	}
	return &NAVFeed{wsURL: strings.TrimSpace(wsURL), pingEvery: pingEvery}
}

func (f *NAVFeed) Name() string { return SourceNavWS }

type subReq struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

type navItem struct {
	FundCode string          `json:"fund_code"`
	NAV      decimal.Decimal `json:"nav"`
	PrevNAV  decimal.Decimal `json:"prev_nav"`
	Ts       int64           `json:"ts"`
}

// navList accepts data as an object or an array.
type navList []navItem

func (d *navList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*d = nil
		return nil
	}
	switch b[0] {
	case '[':
		var arr []navItem
		if err := json.Unmarshal(b, &arr); err != nil {
			return err
		}
		*d = arr
		return nil
	case '{':
		var one navItem
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*d = navList{one}
		return nil
	default:
		return fmt.Errorf("unexpected data json: %s", string(b))
	}
}

type navMsg struct {
	Topic string  `json:"topic"`
	Ts    int64   `json:"ts"`
	Data  navList `json:"data"`

	Success *bool  `json:"success,omitempty"`
	RetMsg  string `json:"ret_msg,omitempty"`
	Op      string `json:"op,omitempty"`
}

func (f *NAVFeed) Subscribe(ctx context.Context, funds []string) (<-chan port.Tick, error) {
	if f.wsURL == "" {
		return nil, errors.New("nav feed ws_url empty")
	}
	topics := make([]string, 0, len(funds))
	for _, code := range funds {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code == "" {
			continue
		}
		topics = append(topics, "nav."+code)
	}
	if len(topics) == 0 {
		return nil, errors.New("no valid funds for nav topics")
	}

	out := make(chan port.Tick, 1024)
	go f.run(ctx, topics, out)
	return out, nil
}

func (f *NAVFeed) run(ctx context.Context, topics []string, out chan<- port.Tick) {
	defer close(out)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		log.Info().Str("feed", f.Name()).Str("url", f.wsURL).Msg("ws connecting")
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn, _, err := websocket.DefaultDialer.DialContext(cctx, f.wsURL, nil)
		cancel()
		if err != nil {
			log.Error().Str("feed", f.Name()).Err(err).Msg("ws dial failed")
			if !sleepCtx(ctx.Done(), reconnectDelay(attempt)) {
				return
			}
			attempt++
			continue
		}

		if err := conn.WriteJSON(subReq{Op: "subscribe", Args: topics}); err != nil {
			_ = conn.Close()
			log.Error().Str("feed", f.Name()).Err(err).Msg("subscribe failed")
			if !sleepCtx(ctx.Done(), reconnectDelay(attempt)) {
				return
			}
			attempt++
			continue
		}

		attempt = 0
		log.Info().Str("feed", f.Name()).Int("topics", len(topics)).Msg("ws connected & subscribed")

		err = f.readLoop(ctx, conn, func(b []byte) {
			for _, t := range f.decode(b) {
				select {
				case out <- t:
				case <-ctx.Done():
					return
				}
			}
		})
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		log.Warn().Str("feed", f.Name()).Err(err).Msg("ws disconnected, reconnecting")
		if !sleepCtx(ctx.Done(), reconnectDelay(attempt)) {
			return
		}
		attempt++
	}
}

// decode 把一帧消息转成 ticks；ack 与坏数据返回 nil
func (f *NAVFeed) decode(b []byte) []port.Tick {
	var msg navMsg
	if err := json.Unmarshal(b, &msg); err != nil {
		log.Error().Str("feed", f.Name()).Err(err).Msg("json unmarshal failed")
		return nil
	}
	if msg.Success != nil {
		if !*msg.Success {
			log.Error().Str("feed", f.Name()).Str("ret_msg", msg.RetMsg).Msg("subscribe not success")
		}
		return nil
	}

	ticks := make([]port.Tick, 0, len(msg.Data))
	for _, d := range msg.Data {
		code := strings.ToUpper(strings.TrimSpace(d.FundCode))
		if code == "" && strings.HasPrefix(msg.Topic, "nav.") {
			code = strings.ToUpper(strings.TrimPrefix(msg.Topic, "nav."))
		}
		if code == "" || !d.NAV.IsPositive() {
			continue
		}
		ts := d.Ts
		if ts == 0 {
			ts = msg.Ts
		}
		if ts == 0 {
			ts = time.Now().UnixMilli()
		}
		ticks = append(ticks, port.Tick{
			Source:    f.Name(),
			FundCode:  code,
			Price:     d.NAV,
			PrevPrice: d.PrevNAV,
			Ts:        ts,
		})
	}
	return ticks
}

func (f *NAVFeed) readLoop(ctx context.Context, conn *websocket.Conn, onMsg func([]byte)) error {
	readWait := 60 * time.Second
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	pingTicker := time.NewTicker(f.pingEvery)
	defer pingTicker.Stop()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(readWait))
			onMsg(b)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			// reader must be gone before run closes out
			_ = conn.Close()
			<-errCh
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-pingTicker.C:
			_ = conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
		}
	}
}

var _ port.PriceFeed = (*NAVFeed)(nil)
