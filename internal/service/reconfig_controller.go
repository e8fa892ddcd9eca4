package service

import (
	"sync"

	"github.com/devrev/snapback/internal/metrics"
	"github.com/devrev/snapback/internal/model"
	"go.uber.org/zap"
)

// ReconfigController holds the enabled reconfig modes. The highest enabled
// mode is the configured mode while the registry is healthy and
// ReconfigDisabled after a failed registry refresh.
type ReconfigController struct {
	mu              sync.RWMutex
	configured      model.ReconfigMode
	registryHealthy bool
	logger          *zap.Logger
	metrics         *metrics.Metrics
}

// NewReconfigController creates a controller for the configured highest mode.
// m may be nil.
func NewReconfigController(configured model.ReconfigMode, m *metrics.Metrics, logger *zap.Logger) *ReconfigController {
	c := &ReconfigController{
		configured:      configured,
		registryHealthy: true,
		logger:          logger,
		metrics:         m,
	}
	c.observe(configured)
	return c
}

// Highest returns the highest enabled mode
func (c *ReconfigController) Highest() model.ReconfigMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.highestLocked()
}

func (c *ReconfigController) highestLocked() model.ReconfigMode {
	if !c.registryHealthy {
		return model.ReconfigDisabled
	}
	return c.configured
}

// Permits reports whether mode is within the enabled set
func (c *ReconfigController) Permits(mode model.ReconfigMode) bool {
	if mode == model.ReconfigDisabled {
		return true
	}
	return mode <= c.Highest()
}

// EnabledModes returns the enabled set in rank order
func (c *ReconfigController) EnabledModes() []model.ReconfigMode {
	return model.EnabledBy(c.Highest())
}

// Configured returns the operator-configured highest mode
func (c *ReconfigController) Configured() model.ReconfigMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.configured
}

// SetConfigured changes the operator-configured highest mode
func (c *ReconfigController) SetConfigured(mode model.ReconfigMode) {
	c.mu.Lock()
	c.configured = mode
	highest := c.highestLocked()
	c.mu.Unlock()

	c.logger.Info("Reconfig mode configured",
		zap.String("configured", mode.String()),
		zap.String("highest_enabled", highest.String()))
	c.observe(highest)
}

// OnRegistryRefresh applies the outcome of a registry refresh
func (c *ReconfigController) OnRegistryRefresh(err error) {
	c.mu.Lock()
	wasHealthy := c.registryHealthy
	c.registryHealthy = err == nil
	highest := c.highestLocked()
	c.mu.Unlock()

	switch {
	case err != nil && wasHealthy:
		c.logger.Warn("Registry refresh failed, disabling reconfiguration", zap.Error(err))
	case err == nil && !wasHealthy:
		c.logger.Info("Registry refresh recovered, restoring reconfig mode",
			zap.String("highest_enabled", highest.String()))
	}
	c.observe(highest)
}

func (c *ReconfigController) observe(highest model.ReconfigMode) {
	if c.metrics != nil {
		c.metrics.ReconfigMode.Set(float64(highest))
	}
}
