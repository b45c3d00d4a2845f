package master

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/FlowingSPDG/obs-sync/internal/config"
	"github.com/FlowingSPDG/obs-sync/internal/httpapi"
	"github.com/FlowingSPDG/obs-sync/internal/hub"
	"github.com/FlowingSPDG/obs-sync/pkg/protocol"
)

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	Role          string                `json:"role"`
	OBSConnected  bool                  `json:"obs_connected"`
	Targets       []protocol.TargetType `json:"targets"`
	Hub           hub.Stats             `json:"hub"`
	Translated    uint64                `json:"translated"`
	Filtered      uint64                `json:"filtered"`
	TrackedImages int                   `json:"tracked_images"`
	Uptime        string                `json:"uptime"`
}

// TargetsRequest is the body of PUT /api/v1/targets.
type TargetsRequest struct {
	Targets []string `json:"targets"`
}

// TargetsResponse lists the active targets.
type TargetsResponse struct {
	Targets []protocol.TargetType `json:"targets"`
}

func (n *Node) routes(r fiber.Router) {
	r.Get("/health", httpapi.Health("master"))
	api := r.Group("/api/v1")
	api.Get("/status", n.getStatus)
	api.Get("/targets", n.getTargets)
	api.Put("/targets", n.putTargets)
}

// Status snapshots the node.
func (n *Node) Status() StatusResponse {
	translated, filtered := n.rec.Stats()
	status := StatusResponse{
		Role:         "master",
		OBSConnected: n.eng.Connected(),
		Targets:      n.rec.ActiveTargets(),
		Hub:          n.hub.Stats(),
		Translated:   translated,
		Filtered:     filtered,
	}
	if n.watcher != nil {
		status.TrackedImages = n.watcher.Tracked()
	}
	if !n.started.IsZero() {
		status.Uptime = time.Since(n.started).Round(time.Second).String()
	}
	return status
}

// getStatus handles GET /api/v1/status
func (n *Node) getStatus(c *fiber.Ctx) error {
	return c.JSON(n.Status())
}

// getTargets handles GET /api/v1/targets
func (n *Node) getTargets(c *fiber.Ctx) error {
	return c.JSON(TargetsResponse{Targets: n.rec.ActiveTargets()})
}

// putTargets handles PUT /api/v1/targets. The set is replaced wholesale.
func (n *Node) putTargets(c *fiber.Ctx) error {
	var req TargetsRequest
	if err := c.BodyParser(&req); err != nil {
		return httpapi.BadRequest(c, "invalid request body: "+err.Error())
	}
	targets, err := config.ParseTargets(req.Targets)
	if err != nil {
		return httpapi.BadRequest(c, err.Error())
	}
	n.rec.SetActiveTargets(targets)
	return c.JSON(TargetsResponse{Targets: n.rec.ActiveTargets()})
}
