package reactivation

import (
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("reactivation.service",
	fx.Provide(
		NewLockManager,
		NewCooldownPolicy,
		NewAsynqExecutor,
		NewActiveJobTracker,
		NewOrchestrator,
		NewViews,
		NewSweeper,
		NewHandler,
		ProvideEngine,
	),
	fx.Invoke(
		AutoMigrate,
		RegisterRoutes,
		StartTracker,
		StartSweeper,
	),
)

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Task{}, &Run{}, &ReactivationAttempt{})
}
