package port

import (
	"context"
	"errors"

	"fundledger/internal/domain/model"
)

var (
	// ErrPositionNotFound 持仓不存在
	ErrPositionNotFound = errors.New("position not found")
	// ErrVersionConflict 乐观锁冲突：持仓在读取后被其他请求修改
	ErrVersionConflict = errors.New("position version conflict")
)

// UnitOfWork is one atomic ledger mutation for a single (user, fund) key.
// The store applies the position write and the transaction append together
// or not at all.
type UnitOfWork struct {
	Key model.Key
	// ExpectedVersion is the key version returned by ReadVersioned; 0 means
	// the key has never been written. A successful commit moves the key to
	// ExpectedVersion+1, deletes included.
	ExpectedVersion int64
	// Position is the new state. nil deletes the position.
	Position *model.Position
	// Transaction is appended with the write. nil for reconciliation.
	Transaction *model.Transaction
}

// TransactionQuery 交易记录查询条件
type TransactionQuery struct {
	UserID   string
	FundCode string       // optional
	Kind     model.Kind   // optional
	Status   model.Status // optional
	Offset   int
	Limit    int
}

type LedgerStore interface {
	// Position operations
	GetPosition(ctx context.Context, key model.Key) (*model.Position, error)
	// ReadVersioned returns the position (nil when absent) together with the
	// key version. The version outlives deletion, so a recreated position
	// never reuses a version an earlier reader saw.
	ReadVersioned(ctx context.Context, key model.Key) (*model.Position, int64, error)
	ListPositions(ctx context.Context, userID string) ([]*model.Position, error)

	// Commit applies uow atomically, returning ErrVersionConflict when the
	// key version differs from uow.ExpectedVersion.
	Commit(ctx context.Context, uow *UnitOfWork) error

	// Transaction log
	ListTransactions(ctx context.Context, q TransactionQuery) (items []*model.Transaction, total int, err error)
	// TransactionsFor returns a user's transactions oldest first; empty fundCode means all funds.
	TransactionsFor(ctx context.Context, userID, fundCode string) ([]*model.Transaction, error)

	Close() error
}
