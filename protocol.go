package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"tableflow/syncd/internal/conflict"
	"tableflow/syncd/internal/logging"
	"tableflow/syncd/internal/rooms"
	"tableflow/syncd/internal/session"
	"tableflow/syncd/internal/version"
)

var (
	errClientGone      = errors.New("client connection gone")
	errEmptyFrame      = errors.New("empty frame")
	errUnknownEvent    = errors.New("unknown event type")
	errMissingRoom     = errors.New("room name missing")
	errMissingResource = errors.New("resource type or id missing")
)

// degradedLatencyMs is the round-trip latency past which the gateway
// suggests a reduced update cadence.
const degradedLatencyMs = 1000

// clientFrame is the inbound protocol shape: an event name plus an
// event-specific payload.
type clientFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type roomRequest struct {
	Room string `json:"room"`
}

type fullSyncRequest struct {
	LastSyncVersion int64    `json:"lastSyncVersion"`
	Resources       []string `json:"resources"`
}

type resolveConflictRequest struct {
	ResourceType     string         `json:"resourceType"`
	ResourceID       string         `json:"resourceId"`
	ClientVersion    int64          `json:"clientVersion"`
	ClientData       map[string]any `json:"clientData"`
	ConflictStrategy string         `json:"conflictStrategy"`
}

type checkVersionRequest struct {
	ResourceType  string `json:"resourceType"`
	ResourceID    string `json:"resourceId"`
	ClientVersion int64  `json:"clientVersion"`
}

type messageAckRequest struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Error     string `json:"error"`
}

type connectivityReport struct {
	Status            string `json:"status"`
	Latency           int    `json:"latency"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
}

// handleFrame decodes one inbound frame and routes it to its handler.
// Protocol errors are surfaced to the requester; they never tear the
// connection down.
func (g *Gateway) handleFrame(c *client, frame []byte) {
	message, err := decodeClientFrame(frame)
	if err != nil {
		g.sendError(c, err.Error(), "")
		return
	}

	switch message.Type {
	case "join-room":
		g.handleJoinRoom(c, message.Data)
	case "leave-room":
		g.handleLeaveRoom(c, message.Data)
	case "request-sync":
		g.handleRequestSync(c)
	case "request-full-sync":
		g.handleFullSync(c, message.Data)
	case "resolve-conflict":
		g.handleResolveConflict(c, message.Data)
	case "check-version":
		g.handleCheckVersion(c, message.Data)
	case "message-ack":
		g.handleMessageAck(c, message.Data)
	case "connectivity-status":
		g.handleConnectivityStatus(c, message.Data)
	case "ping":
		_ = g.sendEvent(c, "pong", map[string]any{
			"timestamp": g.now().UTC().Format(time.RFC3339Nano),
		}, 0)
	case "pong", "heartbeat":
		// Heartbeat already refreshed on frame arrival.
	default:
		g.log.Debug("unknown client event",
			logging.String("connection_id", c.connectionID),
			logging.String("event", message.Type))
		g.sendError(c, errUnknownEvent.Error(), "")
	}
}

func decodeClientFrame(frame []byte) (*clientFrame, error) {
	if len(frame) == 0 {
		return nil, errEmptyFrame
	}
	var message clientFrame
	if err := json.Unmarshal(frame, &message); err != nil {
		return nil, err
	}
	if message.Type == "" {
		return nil, errUnknownEvent
	}
	return &message, nil
}

func (g *Gateway) sendError(c *client, message, room string) {
	payload := map[string]any{"message": message}
	if room != "" {
		payload["room"] = room
	}
	_ = g.sendEvent(c, "error", payload, 0)
}

// handleJoinRoom gates membership through the role table. A denied join
// is a recoverable authorization failure: the requester gets an error
// event and stays connected.
func (g *Gateway) handleJoinRoom(c *client, data json.RawMessage) {
	var req roomRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Room == "" {
		g.sendError(c, errMissingRoom.Error(), "")
		return
	}
	if !rooms.Allowed(c.user.Role, req.Room) {
		g.log.Warn("room join denied",
			logging.String("connection_id", c.connectionID),
			logging.String("user_id", c.user.ID),
			logging.String("role", c.user.Role.String()),
			logging.String("room", req.Room))
		g.sendError(c, "not permitted to join room", req.Room)
		return
	}
	g.joinRoom(c, req.Room)
	_ = g.sendEvent(c, "joined-room", map[string]any{"room": req.Room}, 0)
}

func (g *Gateway) handleLeaveRoom(c *client, data json.RawMessage) {
	var req roomRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Room == "" {
		g.sendError(c, errMissingRoom.Error(), "")
		return
	}
	g.leaveRoom(c, req.Room)
	_ = g.sendEvent(c, "left-room", map[string]any{"room": req.Room}, 0)
}

func (g *Gateway) handleRequestSync(c *client) {
	now := g.now().UTC().Format(time.RFC3339Nano)
	_ = g.sendEvent(c, "sync-data", map[string]any{
		"snapshot":   g.roleSnapshot(context.Background(), c.user.Role),
		"timestamp":  now,
		"serverTime": now,
	}, 0)
}

// kindsForRole lists the resource kinds each role synchronises: the
// kitchen never needs tables, waiters never need individual line items.
func kindsForRole(role rooms.Role) []version.ResourceKind {
	switch role {
	case rooms.RoleAdmin:
		return []version.ResourceKind{version.KindOrder, version.KindOrderItem, version.KindTable}
	case rooms.RoleWaiter:
		return []version.ResourceKind{version.KindOrder, version.KindTable}
	case rooms.RoleKitchen:
		return []version.ResourceKind{version.KindOrder, version.KindOrderItem}
	default:
		return []version.ResourceKind{version.KindOrder}
	}
}

// roleSnapshot gathers the role-specific resource snapshot. A failing
// resource kind is isolated: its slot carries the error while the other
// kinds still return data.
func (g *Gateway) roleSnapshot(ctx context.Context, role rooms.Role) map[string]any {
	snapshot := make(map[string]any)
	for _, kind := range kindsForRole(role) {
		snapshot[string(kind)] = g.kindSlot(ctx, kind)
	}
	return snapshot
}

// kindSlot resolves one resource kind into its sync slot: data plus the
// highest known version, or an error marker on fetch failure.
func (g *Gateway) kindSlot(ctx context.Context, kind version.ResourceKind) map[string]any {
	resources, err := g.resources.SnapshotKind(ctx, kind)
	if err != nil {
		g.log.Error("sync snapshot fetch failed",
			logging.String("resource_kind", string(kind)), logging.Error(err))
		return map[string]any{"error": err.Error()}
	}
	var highest int64
	var lastModified time.Time
	for id := range resources {
		if record, ok := g.versions.Lookup(kind, id); ok {
			if record.Version > highest {
				highest = record.Version
				lastModified = record.LastModified
			}
		}
	}
	slot := map[string]any{
		"data":    resources,
		"version": highest,
	}
	if !lastModified.IsZero() {
		slot["lastModified"] = lastModified.UTC().Format(time.RFC3339Nano)
	}
	return slot
}

// handleFullSync answers request-full-sync with every requested resource
// kind. Per-resource failures stay in their own slot.
func (g *Gateway) handleFullSync(c *client, data json.RawMessage) {
	var req fullSyncRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			_ = g.sendEvent(c, "sync-error", map[string]any{"message": err.Error()}, 0)
			return
		}
	}
	kinds := make([]version.ResourceKind, 0, len(req.Resources))
	for _, raw := range req.Resources {
		kinds = append(kinds, version.ResourceKind(raw))
	}
	if len(kinds) == 0 {
		kinds = kindsForRole(c.user.Role)
	}

	ctx := context.Background()
	resources := make(map[string]any, len(kinds))
	var syncVersion int64
	for _, kind := range kinds {
		slot := g.kindSlot(ctx, kind)
		resources[string(kind)] = slot
		if slotVersion, ok := slot["version"].(int64); ok && slotVersion > syncVersion {
			syncVersion = slotVersion
		}
	}
	g.sessions.SetLastSyncVersion(c.user.ID, syncVersion)

	_ = g.sendEvent(c, "full-sync-data", map[string]any{
		"resources":   resources,
		"syncVersion": syncVersion,
		"timestamp":   g.now().UTC().Format(time.RFC3339Nano),
	}, syncVersion)
}

func (g *Gateway) handleResolveConflict(c *client, data json.RawMessage) {
	var req resolveConflictRequest
	if err := json.Unmarshal(data, &req); err != nil {
		g.sendConflictFailure(c, err, "", "")
		return
	}
	if req.ResourceType == "" || req.ResourceID == "" {
		g.sendConflictFailure(c, errMissingResource, req.ResourceType, req.ResourceID)
		return
	}

	resolution, err := g.resolver.Resolve(context.Background(), conflict.Request{
		Kind:          version.ResourceKind(req.ResourceType),
		ID:            req.ResourceID,
		ClientVersion: req.ClientVersion,
		ClientData:    req.ClientData,
		Strategy:      req.ConflictStrategy,
		ActorID:       c.user.ID,
	})
	if err != nil {
		g.log.Warn("conflict resolution failed",
			logging.String("connection_id", c.connectionID),
			logging.String("user_id", c.user.ID),
			logging.String("resource_kind", req.ResourceType),
			logging.String("resource_id", req.ResourceID),
			logging.Error(err))
		g.sendConflictFailure(c, err, req.ResourceType, req.ResourceID)
		return
	}

	_ = g.sendEvent(c, "conflict-resolved", map[string]any{
		"strategy":      resolution.Strategy.String(),
		"data":          resolution.Data,
		"conflictId":    resolution.ConflictID,
		"serverVersion": resolution.ServerVersion,
		"timestamp":     resolution.ResolvedAt.UTC().Format(time.RFC3339Nano),
	}, resolution.ServerVersion)
}

func (g *Gateway) sendConflictFailure(c *client, cause error, resourceType, resourceID string) {
	_ = g.sendEvent(c, "conflict-resolution-failed", map[string]any{
		"conflictId":   uuid.NewString(),
		"error":        cause.Error(),
		"resourceType": resourceType,
		"resourceId":   resourceID,
	}, 0)
}

func (g *Gateway) handleCheckVersion(c *client, data json.RawMessage) {
	var req checkVersionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		g.sendError(c, err.Error(), "")
		return
	}
	if req.ResourceType == "" || req.ResourceID == "" {
		g.sendError(c, errMissingResource.Error(), "")
		return
	}
	kind := version.ResourceKind(req.ResourceType)
	serverVersion := g.versions.Current(kind, req.ResourceID)
	_ = g.sendEvent(c, "version-check-result", map[string]any{
		"resourceType":  req.ResourceType,
		"resourceId":    req.ResourceID,
		"clientVersion": req.ClientVersion,
		"serverVersion": serverVersion,
		"hasConflict":   g.versions.HasConflict(kind, req.ResourceID, req.ClientVersion),
	}, serverVersion)
}

func (g *Gateway) handleMessageAck(c *client, data json.RawMessage) {
	var req messageAckRequest
	if err := json.Unmarshal(data, &req); err != nil {
		g.sendError(c, err.Error(), "")
		return
	}
	g.dispatcher.Ack(req.MessageID, req.Status, req.Error)
}

// handleConnectivityStatus stores the client's link-quality report and
// suggests a degraded cadence when the link looks poor.
func (g *Gateway) handleConnectivityStatus(c *client, data json.RawMessage) {
	var report connectivityReport
	if err := json.Unmarshal(data, &report); err != nil {
		g.sendError(c, err.Error(), "")
		return
	}
	g.sessions.RecordConnectivity(c.user.ID, session.Connectivity{
		Status:            report.Status,
		LatencyMs:         report.Latency,
		ReconnectAttempts: report.ReconnectAttempts,
	})

	if report.Latency <= degradedLatencyMs && report.Status != "poor" {
		return
	}
	c.mu.Lock()
	alreadyReduced := c.reducedCadence
	c.reducedCadence = true
	c.mu.Unlock()
	if alreadyReduced {
		return
	}
	_ = g.sendEvent(c, "adjust-update-frequency", map[string]any{
		"heartbeatInterval": (2 * g.cfg.HeartbeatInterval).Milliseconds(),
		"batchUpdates":      true,
		"reducedData":       true,
	}, 0)
}
