package slave

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/FlowingSPDG/obs-sync/internal/httpapi"
)

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	Role            string       `json:"role"`
	OBSConnected    bool         `json:"obs_connected"`
	MasterConnected bool         `json:"master_connected"`
	MasterURL       string       `json:"master_url"`
	Received        uint64       `json:"received"`
	Applied         uint64       `json:"applied"`
	ProtocolErrors  uint64       `json:"protocol_errors"`
	Reconnects      uint64       `json:"reconnects"`
	Alerts          int          `json:"alerts"`
	DroppedAlerts   uint64       `json:"dropped_alerts"`
	ApplyLatency    LatencyStats `json:"apply_latency"`
	LastHeartbeat   int64        `json:"last_heartbeat,omitempty"`
	ScratchDir      string       `json:"scratch_dir"`
	Uptime          string       `json:"uptime"`
}

// AlertsResponse lists alerts, newest first.
type AlertsResponse struct {
	Alerts []DesyncAlert `json:"alerts"`
	Total  int           `json:"total"`
}

func (n *Node) routes(r fiber.Router) {
	r.Get("/health", httpapi.Health("slave"))
	api := r.Group("/api/v1")
	api.Get("/status", n.getStatus)
	api.Get("/alerts", n.listAlerts)
	api.Delete("/alerts", n.clearAlerts)
	api.Delete("/alerts/:id", n.deleteAlert)
}

// Status snapshots the node.
func (n *Node) Status() StatusResponse {
	status := StatusResponse{
		Role:            "slave",
		OBSConnected:    n.eng.Connected(),
		MasterConnected: n.client.Connected(),
		MasterURL:       n.client.url,
		Received:        n.client.Received(),
		Applied:         n.rec.Applied(),
		ProtocolErrors:  n.client.ProtocolErrors(),
		Reconnects:      n.client.Reconnects(),
		Alerts:          n.history.Len(),
		DroppedAlerts:   n.rec.DroppedAlerts(),
		ApplyLatency:    n.rec.Latency(),
		ScratchDir:      n.rec.ScratchDir(),
	}
	if hb := n.rec.LastHeartbeat(); !hb.IsZero() {
		status.LastHeartbeat = hb.UnixMilli()
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

// listAlerts handles GET /api/v1/alerts
func (n *Node) listAlerts(c *fiber.Ctx) error {
	alerts := n.history.List()
	return c.JSON(AlertsResponse{Alerts: alerts, Total: len(alerts)})
}

// clearAlerts handles DELETE /api/v1/alerts
func (n *Node) clearAlerts(c *fiber.Ctx) error {
	n.history.Clear()
	return c.SendStatus(fiber.StatusNoContent)
}

// deleteAlert handles DELETE /api/v1/alerts/:id
func (n *Node) deleteAlert(c *fiber.Ctx) error {
	if !n.history.Remove(c.Params("id")) {
		return fiber.NewError(fiber.StatusNotFound, "alert not found")
	}
	return c.SendStatus(fiber.StatusNoContent)
}
