package engine

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jkgulay/resqlink-sub002/internal/mesh"
	"github.com/jkgulay/resqlink-sub002/internal/store"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// The admin listener is loopback-only, so cross-origin upgrades from local
// UI shells are fine.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// stateSnapshot is the payload pushed to UI clients on every change.
type stateSnapshot struct {
	Role            mesh.Role       `json:"role"`
	RoleForced      bool            `json:"role_forced"`
	EmergencyActive bool            `json:"emergency_active"`
	Connected       []deviceState   `json:"connected"`
	Mesh            []deviceState   `json:"mesh"`
	Sessions        []store.Session `json:"sessions"`
}

type deviceState struct {
	Address  string `json:"address"`
	Name     string `json:"name,omitempty"`
	HopCount int    `json:"hop_count"`
}

func (a *AdminServer) snapshot() stateSnapshot {
	snap := stateSnapshot{
		Role:            a.node.CurrentRole(),
		RoleForced:      a.node.IsRoleForced(),
		EmergencyActive: a.node.EmergencyActive(),
		Sessions:        a.node.Sessions(),
	}
	for _, dev := range a.node.ConnectedDevices() {
		snap.Connected = append(snap.Connected, deviceState{Address: dev.Address, Name: dev.DisplayName})
	}
	for _, entry := range a.node.MeshDevices() {
		snap.Mesh = append(snap.Mesh, deviceState{Address: entry.DeviceAddress, HopCount: entry.HopCount})
	}
	return snap
}

// handleEvents upgrades to a websocket and streams state snapshots: one on
// connect, then one after every node state change.
func (a *AdminServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("websocket upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	notify := make(chan struct{}, 1)
	id := a.node.AddListener(func() {
		select {
		case notify <- struct{}{}:
		default:
		}
	})
	defer a.node.RemoveListener(id)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	send := func() bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(a.snapshot()); err != nil {
			a.log.Debug("websocket write", zap.Error(err))
			return false
		}
		return true
	}
	if !send() {
		return
	}

	for {
		select {
		case <-closed:
			return
		case <-notify:
			if !send() {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
