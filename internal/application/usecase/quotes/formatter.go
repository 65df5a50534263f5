package quotes

import (
	"strings"

	"github.com/shopspring/decimal"

	"fundledger/internal/domain/model"
)

const (
	ansiReset    = "\033[0m"
	ansiRed      = "\033[31m"
	ansiGreen    = "\033[32m"
	ansiYellow   = "\033[33m"
	ansiDim      = "\033[2m"
	ansiClearEOL = "\033[K"
)

func colorize(s, c string) string { return c + s + ansiReset }

type Formatter struct {
	// Color disables ANSI codes when false (files, pipes).
	Color bool
}

func NewFormatter(color bool) *Formatter {
	return &Formatter{Color: color}
}

type RenderMode int

const (
	RenderLive RenderMode = iota
	RenderSnapshot
)

var hundred = decimal.NewFromInt(100)

func (f *Formatter) paint(s, c string) string {
	if !f.Color {
		return s
	}
	return colorize(s, c)
}

// Render 000001 1.2345 +0.52%  ||  110022 3.2100 --
func (f *Formatter) Render(st *State, mode RenderMode) string {
	snap := st.Snapshot()

	var sb strings.Builder
	if mode == RenderLive {
		sb.WriteString("\r")
	}
	sb.WriteString(f.paint("[NAV] ", ansiDim))

	for i, code := range st.Funds() {
		if i > 0 {
			sb.WriteString(f.paint("  ||  ", ansiDim))
		}
		ns := snap[code]
		sb.WriteString(code)
		sb.WriteString(" ")

		if !ns.seen {
			sb.WriteString(f.paint("--", ansiDim))
			continue
		}

		col := ansiYellow
		switch ns.dir {
		case DirUp:
			col = ansiGreen
		case DirDown:
			col = ansiRed
		}
		sb.WriteString(f.paint(ns.price.StringFixed(model.PricePlaces), col))

		sb.WriteString(" ")
		if ns.prev.IsPositive() {
			pct := model.SafeDiv(ns.price.Sub(ns.prev), ns.prev).Mul(hundred)
			sign := ""
			if pct.IsPositive() {
				sign = "+"
			}
			pcol := ansiYellow
			switch pct.Sign() {
			case 1:
				pcol = ansiGreen
			case -1:
				pcol = ansiRed
			}
			sb.WriteString(f.paint(sign+pct.StringFixed(2)+"%", pcol))
		} else {
			sb.WriteString(f.paint("--", ansiDim))
		}
	}

	if mode == RenderLive && f.Color {
		sb.WriteString(ansiClearEOL)
	}
	return sb.String()
}
