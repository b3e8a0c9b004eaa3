package dispatch

import (
	"go.uber.org/zap"

	"github.com/nmxmxh/htpi-gateway/internal/bus"
	"github.com/nmxmxh/htpi-gateway/internal/protocol"
	"github.com/nmxmxh/htpi-gateway/internal/rooms"
)

type broadcastRoute struct {
	kind  string
	event string
	room  func(tenantID string) string
	// skipOwn drops broadcasts this instance originated; the dispatcher already
	// fanned those out when the call completed.
	skipOwn bool
}

var broadcastRoutes = []broadcastRoute{
	{kind: bus.KindStatsUpdated, event: protocol.EventDashboardStatUpdate, room: rooms.DashboardRoom},
	{kind: bus.KindActivityCreated, event: protocol.EventDashboardActivityNew, room: rooms.DashboardRoom},
	{kind: bus.KindPatientCreated, event: protocol.EventPatientsNew, room: rooms.PatientsRoom, skipOwn: true},
}

// SubscribeBroadcasts registers the standing handlers that fan bus broadcasts out
// to tenant rooms.
func (d *Dispatcher) SubscribeBroadcasts() error {
	for _, route := range broadcastRoutes {
		route := route
		pattern := d.subjects.BroadcastPattern(route.kind)
		if err := d.bridge.Subscribe(pattern, func(b bus.Broadcast) { d.routeBroadcast(route, b) }); err != nil {
			return err
		}
		d.log.Info("Subscribed to broadcasts", zap.String("pattern", pattern), zap.String("event", route.event))
	}
	return nil
}

func (d *Dispatcher) routeBroadcast(route broadcastRoute, b bus.Broadcast) {
	if b.TenantID == "" {
		d.log.Warn("Broadcast without tenant", zap.String("subject", b.Subject))
		return
	}
	if route.skipOwn && b.Origin != "" && b.Origin == d.instanceID {
		return
	}
	n := d.rooms.Broadcast(route.room(b.TenantID), route.event, b.Data)
	d.log.Debug("Routed broadcast",
		zap.String("subject", b.Subject),
		zap.String("event", route.event),
		zap.String("tenant_id", b.TenantID),
		zap.Int("delivered", n))
}
