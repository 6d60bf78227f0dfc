package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/rebill/internal/billing/domain"
	"gorm.io/gorm"
)

const (
	StrategyScript      = "script"
	StrategyTransaction = "transaction"
)

// NewAtomicExecutor probes the storage engine once and picks the execution
// strategy: a single multi-statement script where the driver supports it,
// a wrapping transaction everywhere else.
func NewAtomicExecutor(db *gorm.DB) domain.AtomicExecutor {
	switch db.Dialector.Name() {
	case "sqlite", "mysql":
		// mysql requires multiStatements=true in the DSN, which pkg/db sets.
		return &scriptExecutor{db: db}
	default:
		return &txExecutor{db: db}
	}
}

// scriptExecutor inlines statement arguments and submits the whole group as
// one BEGIN/COMMIT script in a single driver call.
type scriptExecutor struct {
	db *gorm.DB
}

func (e *scriptExecutor) Strategy() string { return StrategyScript }

func (e *scriptExecutor) Execute(ctx context.Context, ops []domain.Operation) error {
	if len(ops) == 0 {
		return nil
	}

	var script strings.Builder
	script.WriteString("BEGIN;\n")
	for _, op := range ops {
		script.WriteString(e.db.Dialector.Explain(op.SQL, op.Vars...))
		script.WriteString(";\n")
	}
	script.WriteString("COMMIT;")

	sqlDB, err := e.db.DB()
	if err != nil {
		return err
	}
	// The script and any cleanup must run on the same connection: a
	// mid-script failure leaves that connection inside the opened
	// transaction, and a pooled ROLLBACK could land elsewhere.
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, script.String()); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
		return err
	}
	return nil
}

// txExecutor is the fallback: sequential statements inside one transaction.
type txExecutor struct {
	db *gorm.DB
}

func (e *txExecutor) Strategy() string { return StrategyTransaction }

func (e *txExecutor) Execute(ctx context.Context, ops []domain.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, op := range ops {
			if err := tx.Exec(op.SQL, op.Vars...).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
