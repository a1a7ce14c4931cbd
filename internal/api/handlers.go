package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/javi11/rarlink/internal/database"
	"github.com/javi11/rarlink/internal/vfs"
)

// handleStatus handles GET /api/status
func (s *Server) handleStatus(c *fiber.Ctx) error {
	st := s.deps.Pipeline.Status()

	resp := StatusResponse{
		Running:      st.Running,
		StartedAt:    s.started,
		Uptime:       time.Since(s.started).Truncate(time.Second).String(),
		QueueStats:   st.Queue.Stats,
		QueueLength:  len(st.Queue.Queued),
		Delayed:      len(st.Queue.Delayed),
		RegistrySize: len(st.Registry),
	}
	if st.Queue.Processing != nil {
		resp.Processing = st.Queue.Processing.Archive
	}
	if s.deps.Mounts != nil {
		resp.Mounts = len(s.deps.Mounts.Mounts())
		resp.ServerURL = s.deps.Mounts.BaseURL()
	}
	if s.deps.NAT != nil {
		resp.NATGateway = s.deps.NAT.Status().Gateway
	}
	if s.deps.Counters != nil {
		counters, err := s.deps.Counters.All(c.UserContext())
		if err != nil {
			s.log.WarnContext(c.UserContext(), "Failed to read counters", "error", err)
		}
		resp.Counters = counters
	}

	return RespondSuccess(c, resp)
}

// handleQueue handles GET /api/queue
func (s *Server) handleQueue(c *fiber.Ctx) error {
	return RespondSuccess(c, s.deps.Pipeline.Status())
}

// handleListMounts handles GET /api/mounts
func (s *Server) handleListMounts(c *fiber.Ctx) error {
	if s.deps.Mounts == nil {
		return RespondServiceUnavailable(c, "Virtual file server is not running", "")
	}
	return RespondSuccess(c, s.deps.Mounts.Mounts())
}

// handleDeleteMount handles DELETE /api/mounts/:id
func (s *Server) handleDeleteMount(c *fiber.Ctx) error {
	if s.deps.Mounts == nil {
		return RespondServiceUnavailable(c, "Virtual file server is not running", "")
	}

	id := c.Params("id")
	if err := s.deps.Mounts.Unmount(c.UserContext(), id); err != nil {
		if errors.Is(err, vfs.ErrMountNotFound) {
			return RespondNotFound(c, "Mount", id)
		}
		return RespondInternalError(c, "Failed to unmount", err.Error())
	}
	return RespondNoContent(c)
}

// handleNAT handles GET /api/nat
func (s *Server) handleNAT(c *fiber.Ctx) error {
	if s.deps.NAT == nil {
		return RespondServiceUnavailable(c, "NAT traversal is disabled", "")
	}
	return RespondSuccess(c, s.deps.NAT.Status())
}

var validOutcomes = map[database.Outcome]bool{
	database.OutcomeCompleted:   true,
	database.OutcomeFailed:      true,
	database.OutcomeQuarantined: true,
	database.OutcomeDuplicate:   true,
}

// handleHistory handles GET /api/history
func (s *Server) handleHistory(c *fiber.Ctx) error {
	if s.deps.History == nil {
		return RespondServiceUnavailable(c, "History is not available", "")
	}

	pagination := ParsePaginationFiber(c)

	outcome := database.Outcome(c.Query("outcome"))
	if outcome != "" && !validOutcomes[outcome] {
		return RespondValidationError(c, "Invalid outcome filter", "Valid values: completed, failed, quarantined, duplicate")
	}

	entries, err := s.deps.History.List(c.UserContext(), outcome, pagination.Limit, pagination.Offset)
	if err != nil {
		return RespondInternalError(c, "Failed to list history", err.Error())
	}

	counts, err := s.deps.History.CountByOutcome(c.UserContext())
	if err != nil {
		return RespondInternalError(c, "Failed to count history", err.Error())
	}

	var total int64
	if outcome != "" {
		total = counts[outcome]
	} else {
		for _, n := range counts {
			total += n
		}
	}

	if entries == nil {
		entries = []*database.HistoryEntry{}
	}

	return RespondSuccessWithMeta(c, entries, &APIMeta{
		Total:  int(total),
		Limit:  pagination.Limit,
		Offset: pagination.Offset,
		Count:  len(entries),
	})
}
