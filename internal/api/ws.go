package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"foundry-relay/internal/pending"
	"foundry-relay/internal/relaymsg"
	"foundry-relay/internal/socket"
)

// upgrader is shared across every upgrade; CheckOrigin is permissive
// because the relay has no browser-origin trust model of its own (worlds
// connect as backend processes, not as same-origin browser tabs).
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleSocketUpgrade is GET /relay?id=&token= — the world-facing socket
// endpoint, spec.md §6.
func (s *Server) handleSocketUpgrade(c *gin.Context) {
	worldID := c.Query("id")
	credential := c.Query("token")

	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn, closeCode, ok := s.registry.Add(wsConn, worldID, credential, s.log)
	if !ok {
		_ = wsConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(int(closeCode), ""), time.Now().Add(writeWait))
		_ = wsConn.Close()
		return
	}

	// origin is the world's own Foundry base URL, handed to the relay by the
	// connecting client so /proxy-asset can resolve a target without the
	// relay ever having to ask the world over the socket (spec.md §4.H).
	if origin := c.Query("origin"); origin != "" {
		conn.Metadata["originUrl"] = origin
	}

	s.headlessC.Touch(worldID)

	go conn.RunPingLoop()
	conn.RunReceiveLoop(func(conn *socket.Connection, msgType string, raw []byte) {
		s.headlessC.Touch(conn.WorldID)
		s.registry.Dispatch(conn, msgType, raw)
	})
}

const writeWait = 2 * time.Second

// WireReplyHandlers registers one socket.MessageHandler per relaymsg.Kind
// that funnels inbound reply frames into the pending-request registry's
// Dispatch, per spec.md §4.D's "per-type dispatch on inbound messages".
// Called once from cmd/relay's wiring, not from Server.Register, because it
// needs both the registry and the pending registry before the HTTP routes
// are mounted.
func WireReplyHandlers(registry *socket.Registry, pendingReg *pending.Registry) {
	kinds := []relaymsg.Kind{
		relaymsg.KindSearch, relaymsg.KindEntity, relaymsg.KindStructure, relaymsg.KindContents,
		relaymsg.KindCreate, relaymsg.KindUpdate, relaymsg.KindDelete,
		relaymsg.KindRolls, relaymsg.KindLastRoll, relaymsg.KindRoll,
		relaymsg.KindActorSheet, relaymsg.KindMacros, relaymsg.KindMacroExecute,
		relaymsg.KindEncounters, relaymsg.KindStartEncounter, relaymsg.KindNextTurn, relaymsg.KindNextRound,
		relaymsg.KindLastTurn, relaymsg.KindLastRound, relaymsg.KindEndEncounter,
		relaymsg.KindAddToEncounter, relaymsg.KindRemoveFromEncounter,
		relaymsg.KindKill, relaymsg.KindIncrease, relaymsg.KindDecrease, relaymsg.KindGive,
		relaymsg.KindSelect, relaymsg.KindSelected,
		relaymsg.KindFileSystem, relaymsg.KindUploadFile, relaymsg.KindDownloadFile, relaymsg.KindExecuteJS,
	}
	for _, kind := range kinds {
		kind := kind
		registry.OnMessage(string(kind), func(conn *socket.Connection, raw []byte) {
			dispatchReply(pendingReg, kind, raw)
		})
	}
}

func decodeJSON(raw []byte, v interface{}) error { return json.Unmarshal(raw, v) }

type replyEnvelope struct {
	CorrelationID string `json:"correlationId"`
	Error         string `json:"error,omitempty"`
	UUID          string `json:"uuid,omitempty"`
	Path          string `json:"path,omitempty"`
}

func dispatchReply(pendingReg *pending.Registry, kind relaymsg.Kind, raw []byte) {
	env, err := relaymsg.Decode(raw)
	if err != nil {
		return
	}

	var fields replyEnvelope
	_ = decodeJSON(env.Payload, &fields)

	var body map[string]interface{}
	_ = decodeJSON(env.Payload, &body)

	secondaryKey := fields.UUID
	if secondaryKey == "" {
		secondaryKey = fields.Path
	}

	if fields.Error != "" {
		pendingReg.Dispatch(env.CorrelationID, kind, secondaryKey, http.StatusBadRequest, map[string]interface{}{"error": fields.Error})
		return
	}
	pendingReg.Dispatch(env.CorrelationID, kind, secondaryKey, successStatus(kind), body)
}

// successStatus maps a reply's kind to its success status code: creation
// gets 201, every other operation (queries, updates, deletes, rolls, ...)
// gets 200, per spec.md §4.D/§6.
func successStatus(kind relaymsg.Kind) int {
	if kind == relaymsg.KindCreate {
		return http.StatusCreated
	}
	return http.StatusOK
}
