package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/calegria/periscope/pkg/proxycache"
)

// Health reports liveness and the current cache size.
func Health(cache *proxycache.Cache) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":     "ok",
			"cache_size": cache.Len(),
		})
	}
}

// ClearCache empties the response cache and reports both sizes.
func ClearCache(cache *proxycache.Cache, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		cleared := cache.Clear()
		log.Info("cache cleared", zap.Int("entries", cleared))
		return c.JSON(fiber.Map{
			"cleared":    cleared,
			"cache_size": cache.Len(),
		})
	}
}
