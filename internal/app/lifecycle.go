package app

import (
	"go.uber.org/zap"

	"krapi.io/krapi/internal/pkg/logger"
)

// Shutdown gracefully shuts down all application components. Order matters:
// subscribers first so no event lands in a closing pool, then the pools, then
// the database.
func (a *Application) Shutdown() {
	if a.Hub != nil {
		a.Hub.Close()
	}
	if a.Socket != nil {
		_ = a.Socket.Close()
	}
	if a.Pools != nil {
		a.Pools.Shutdown()
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			logger.Error("close database", zap.Error(err))
		}
	}
}
