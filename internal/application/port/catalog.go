package port

import (
	"context"
	"errors"

	"fundledger/internal/domain/model"
)

// ErrFundNotFound 基金代码无法解析
var ErrFundNotFound = errors.New("fund not found")

type Catalog interface {
	Resolve(ctx context.Context, fundCode string) (model.Fund, error)
}
