package service

import (
	"github.com/smallbiznis/rebill/internal/billing/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("billing",
	fx.Provide(
		repository.Provide,
		repository.NewAtomicExecutor,
		New,
	),
)
