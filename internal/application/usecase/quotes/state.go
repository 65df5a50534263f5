package quotes

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"fundledger/internal/application/port"
)

type Dir int

const (
	DirSame Dir = 0
	DirUp   Dir = +1
	DirDown Dir = -1
)

type navState struct {
	price decimal.Decimal
	prev  decimal.Decimal // 上一交易日净值, zero if unknown
	dir   Dir
	seen  bool
	src   string
}

// State 每只基金的最新净值及涨跌方向，用于行情展示
type State struct {
	mu sync.Mutex

	order []string
	funds map[string]*navState
}

func NewState(funds []string) *State {
	order := make([]string, 0, len(funds))
	m := make(map[string]*navState, len(funds))
	for _, f := range funds {
		u := strings.ToUpper(strings.TrimSpace(f))
		if u == "" {
			continue
		}
		if _, dup := m[u]; dup {
			continue
		}
		order = append(order, u)
		m[u] = &navState{}
	}
	return &State{order: order, funds: m}
}

func (s *State) Funds() []string {
	return s.order
}

// Apply 应用一次净值更新，返回展示是否需要刷新
func (s *State) Apply(t port.Tick) bool {
	code := strings.ToUpper(strings.TrimSpace(t.FundCode))
	if code == "" || !t.Price.IsPositive() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.funds[code]
	if st == nil {
		return false
	}
	if !t.PrevPrice.IsZero() {
		st.prev = t.PrevPrice
	}
	st.src = t.Source

	if !st.seen {
		st.seen = true
		st.price = t.Price
		st.dir = DirSame
		return true
	}
	if st.price.Equal(t.Price) {
		return false
	}

	switch t.Price.Cmp(st.price) {
	case 1:
		st.dir = DirUp
	case -1:
		st.dir = DirDown
	}
	if t.PrevPrice.IsZero() {
		st.prev = st.price
	}
	st.price = t.Price
	return true
}

func (s *State) Snapshot() map[string]navState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]navState, len(s.funds))
	for k, v := range s.funds {
		out[k] = *v
	}
	return out
}
