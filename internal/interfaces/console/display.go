package console

import (
	"fmt"
	"io"
	"os"
	"time"

	"fundledger/internal/application/port"
)

// Display 终端净值行情输出
type Display struct {
	w io.Writer
}

// NewDisplay writes to stdout when w is nil.
func NewDisplay(w io.Writer) *Display {
	if w == nil {
		w = os.Stdout
	}
	return &Display{w: w}
}

// WriteLive 回到行首重画，不换行
func (d *Display) WriteLive(line string) error {
	_, err := fmt.Fprintf(d.w, "\r\033[K%s", line)
	return err
}

// 打印快照行后留一个空行，等下一次变化再刷新 live 行
func (d *Display) WriteSnapshot(ts time.Time, line string) error {
	_, err := fmt.Fprintf(d.w, "\n%s %s\n\n", ts.Format("2006-01-02 15:04:05"), line)
	return err
}

func (d *Display) NewLine() error {
	_, err := fmt.Fprint(d.w, "\n")
	return err
}

var _ port.Display = (*Display)(nil)
