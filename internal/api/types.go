package api

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/javi11/rarlink/internal/importer/queue"
)

// APIMeta represents metadata for paginated responses
type APIMeta struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Count  int `json:"count"`
}

// Pagination represents pagination parameters
type Pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// DefaultPagination returns default pagination settings
func DefaultPagination() Pagination {
	return Pagination{
		Limit:  50,
		Offset: 0,
	}
}

// ParsePaginationFiber extracts limit and offset from the query string
func ParsePaginationFiber(c *fiber.Ctx) Pagination {
	pagination := DefaultPagination()

	if limitStr := c.Query("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 && limit <= 1000 {
			pagination.Limit = limit
		}
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil && offset >= 0 {
			pagination.Offset = offset
		}
	}

	return pagination
}

// StatusResponse is returned by GET /api/status
type StatusResponse struct {
	Running      bool             `json:"running"`
	StartedAt    time.Time        `json:"started_at"`
	Uptime       string           `json:"uptime"`
	QueueStats   queue.Stats      `json:"queue_stats"`
	QueueLength  int              `json:"queue_length"`
	Delayed      int              `json:"delayed"`
	Processing   string           `json:"processing,omitempty"`
	RegistrySize int              `json:"registry_size"`
	Mounts       int              `json:"mounts"`
	ServerURL    string           `json:"server_url,omitempty"`
	NATGateway   string           `json:"nat_gateway,omitempty"`
	Counters     map[string]int64 `json:"counters,omitempty"`
}
