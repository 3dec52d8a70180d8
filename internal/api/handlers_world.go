package api

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"foundry-relay/internal/relaymsg"
)

func encodeBase64(data []byte) string { return base64.StdEncoding.EncodeToString(data) }

func worldIDFromQuery(c *gin.Context) string { return c.Query("clientId") }

// handleSearch is GET /search?clientId=&query=.
func (s *Server) handleSearch(c *gin.Context) {
	s.relay(c, worldIDFromQuery(c), relayOptions{
		kind:     relaymsg.KindSearch,
		deadline: deadlineDefault,
		fields:   map[string]interface{}{"query": c.Query("query")},
	})
}

// handleGet is GET /get?clientId=&uuid=.
func (s *Server) handleGet(c *gin.Context) {
	uuid := c.Query("uuid")
	s.relay(c, worldIDFromQuery(c), relayOptions{
		kind:         relaymsg.KindEntity,
		secondaryKey: uuid,
		deadline:     deadlineDefault,
		fields:       map[string]interface{}{"uuid": uuid},
	})
}

// handleStructure is GET /structure?clientId=.
func (s *Server) handleStructure(c *gin.Context) {
	s.relay(c, worldIDFromQuery(c), relayOptions{
		kind:     relaymsg.KindStructure,
		deadline: deadlineDefault,
	})
}

// handleContents is GET /contents/:path?clientId=.
func (s *Server) handleContents(c *gin.Context) {
	path := c.Param("path")
	s.relay(c, worldIDFromQuery(c), relayOptions{
		kind:         relaymsg.KindContents,
		secondaryKey: path,
		deadline:     deadlineDefault,
		fields:       map[string]interface{}{"path": path},
	})
}

// handleCreate is POST /create?clientId=.
func (s *Server) handleCreate(c *gin.Context) {
	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.relay(c, worldIDFromQuery(c), relayOptions{
		kind:     relaymsg.KindCreate,
		deadline: deadlineDefault,
		fields:   body,
	})
}

// handleUpdate is PUT /update?clientId=&uuid=.
func (s *Server) handleUpdate(c *gin.Context) {
	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	uuid := c.Query("uuid")
	body["uuid"] = uuid
	s.relay(c, worldIDFromQuery(c), relayOptions{
		kind:         relaymsg.KindUpdate,
		secondaryKey: uuid,
		deadline:     deadlineDefault,
		fields:       body,
	})
}

// handleDeleteEntity is DELETE /delete?clientId=&uuid=.
func (s *Server) handleDeleteEntity(c *gin.Context) {
	uuid := c.Query("uuid")
	s.relay(c, worldIDFromQuery(c), relayOptions{
		kind:         relaymsg.KindDelete,
		secondaryKey: uuid,
		deadline:     deadlineDefault,
		fields:       map[string]interface{}{"uuid": uuid},
	})
}

// handleRolls is GET /rolls?clientId=.
func (s *Server) handleRolls(c *gin.Context) {
	s.relay(c, worldIDFromQuery(c), relayOptions{kind: relaymsg.KindRolls, deadline: deadlineQuick})
}

// handleLastRoll is GET /lastroll?clientId=.
func (s *Server) handleLastRoll(c *gin.Context) {
	s.relay(c, worldIDFromQuery(c), relayOptions{kind: relaymsg.KindLastRoll, deadline: deadlineQuick})
}

// handleRoll is POST /roll?clientId=.
func (s *Server) handleRoll(c *gin.Context) {
	var body map[string]interface{}
	_ = c.ShouldBindJSON(&body)
	s.relay(c, worldIDFromQuery(c), relayOptions{kind: relaymsg.KindRoll, deadline: deadlineQuick, fields: body})
}

// handleSheet is GET /sheet?clientId=&uuid=&format=html|json&tab=&darkMode=.
// The world always replies with the raw sheet markup under "sheet";
// format=json returns the whole sanitized reply body (markup still under
// "sheet"), format=html (the default) wraps the markup in a minimal static
// document with the activateTab(tabId) hook and
// darkMode class toggle (SPEC_FULL §4.H, sheet rendering contract).
func (s *Server) handleSheet(c *gin.Context) {
	uuid := c.Query("uuid")
	format := defaultString(c.Query("format"), "html")
	tab := c.Query("tab")
	darkMode := c.Query("darkMode") == "true"

	fields := map[string]interface{}{"uuid": uuid}

	s.relay(c, worldIDFromQuery(c), relayOptions{
		kind:         relaymsg.KindActorSheet,
		secondaryKey: uuid,
		deadline:     deadlineDefault,
		fields:       fields,
		respond: func(c *gin.Context, status int, body interface{}) {
			if format == "json" {
				c.JSON(status, body)
				return
			}
			var sheet string
			if m, ok := body.(map[string]interface{}); ok {
				sheet, _ = m["sheet"].(string)
			}
			c.Data(status, "text/html; charset=utf-8", []byte(renderSheetHTML(sheet, tab, darkMode)))
		},
	})
}

// renderSheetHTML wraps raw sheet markup in a minimal static document. When
// tab is non-empty it appends a script that calls the fixed
// activateTab(tabId) hook the embedded Foundry sheet script exposes.
func renderSheetHTML(sheet, tab string, darkMode bool) string {
	class := "sheet-wrapper"
	if darkMode {
		class += " dark-mode"
	}
	var script string
	if tab != "" {
		script = fmt.Sprintf("<script>activateTab(%q);</script>", tab)
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body>
<div class="%s">%s</div>
%s
</body>
</html>`, class, sheet, script)
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// handleMacros is GET /macros?clientId=.
func (s *Server) handleMacros(c *gin.Context) {
	s.relay(c, worldIDFromQuery(c), relayOptions{kind: relaymsg.KindMacros, deadline: deadlineDefault})
}

// handleMacroExecute is POST /macro/:uuid/execute?clientId= — script filter
// applies to any embedded script body.
func (s *Server) handleMacroExecute(c *gin.Context) {
	var body map[string]interface{}
	_ = c.ShouldBindJSON(&body)
	if script, ok := body["script"].(string); ok && !scriptCheck(c, script) {
		return
	}
	uuid := c.Param("uuid")
	body["uuid"] = uuid
	s.relay(c, worldIDFromQuery(c), relayOptions{
		kind:         relaymsg.KindMacroExecute,
		secondaryKey: uuid,
		deadline:     deadlineMacro,
		fields:       body,
	})
}

// ── Combat orchestration ────────────────────────────────────────────────

func (s *Server) handleEncounters(c *gin.Context) {
	s.relay(c, worldIDFromQuery(c), relayOptions{kind: relaymsg.KindEncounters, deadline: deadlineDefault})
}

func (s *Server) handleStartEncounter(c *gin.Context) {
	var body map[string]interface{}
	_ = c.ShouldBindJSON(&body)
	s.relay(c, worldIDFromQuery(c), relayOptions{kind: relaymsg.KindStartEncounter, deadline: deadlineDefault, fields: body})
}

func (s *Server) handleNextTurn(c *gin.Context) {
	s.relay(c, worldIDFromQuery(c), relayOptions{kind: relaymsg.KindNextTurn, deadline: deadlineDefault})
}

func (s *Server) handleNextRound(c *gin.Context) {
	s.relay(c, worldIDFromQuery(c), relayOptions{kind: relaymsg.KindNextRound, deadline: deadlineDefault})
}

func (s *Server) handleLastTurn(c *gin.Context) {
	s.relay(c, worldIDFromQuery(c), relayOptions{kind: relaymsg.KindLastTurn, deadline: deadlineDefault})
}

func (s *Server) handleLastRound(c *gin.Context) {
	s.relay(c, worldIDFromQuery(c), relayOptions{kind: relaymsg.KindLastRound, deadline: deadlineDefault})
}

func (s *Server) handleEndEncounter(c *gin.Context) {
	s.relay(c, worldIDFromQuery(c), relayOptions{kind: relaymsg.KindEndEncounter, deadline: deadlineDefault})
}

func (s *Server) handleAddToEncounter(c *gin.Context) {
	var body map[string]interface{}
	_ = c.ShouldBindJSON(&body)
	s.relay(c, worldIDFromQuery(c), relayOptions{kind: relaymsg.KindAddToEncounter, deadline: deadlineDefault, fields: body})
}

func (s *Server) handleRemoveFromEncounter(c *gin.Context) {
	var body map[string]interface{}
	_ = c.ShouldBindJSON(&body)
	s.relay(c, worldIDFromQuery(c), relayOptions{kind: relaymsg.KindRemoveFromEncounter, deadline: deadlineDefault, fields: body})
}

// ── Entity mutation & selection ─────────────────────────────────────────

func (s *Server) handleKill(c *gin.Context) {
	var body map[string]interface{}
	_ = c.ShouldBindJSON(&body)
	s.relay(c, worldIDFromQuery(c), relayOptions{kind: relaymsg.KindKill, deadline: deadlineDefault, fields: body})
}

func (s *Server) handleIncrease(c *gin.Context) {
	var body map[string]interface{}
	_ = c.ShouldBindJSON(&body)
	s.relay(c, worldIDFromQuery(c), relayOptions{kind: relaymsg.KindIncrease, deadline: deadlineDefault, fields: body})
}

func (s *Server) handleDecrease(c *gin.Context) {
	var body map[string]interface{}
	_ = c.ShouldBindJSON(&body)
	s.relay(c, worldIDFromQuery(c), relayOptions{kind: relaymsg.KindDecrease, deadline: deadlineDefault, fields: body})
}

func (s *Server) handleGive(c *gin.Context) {
	var body map[string]interface{}
	_ = c.ShouldBindJSON(&body)
	s.relay(c, worldIDFromQuery(c), relayOptions{kind: relaymsg.KindGive, deadline: deadlineDefault, fields: body})
}

// handleSelect normalizes the "selected" flag to boolean regardless of
// whether the caller sent a JSON bool or the string "true"/"false" — the
// open question spec.md §9 flags is resolved in favor of boolean.
func (s *Server) handleSelect(c *gin.Context) {
	var body map[string]interface{}
	_ = c.ShouldBindJSON(&body)
	if raw, ok := body["selected"]; ok {
		body["selected"] = coerceBool(raw)
	}
	s.relay(c, worldIDFromQuery(c), relayOptions{kind: relaymsg.KindSelect, deadline: deadlineDefault, fields: body})
}

func coerceBool(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true"
	default:
		return false
	}
}

func (s *Server) handleSelected(c *gin.Context) {
	s.relay(c, worldIDFromQuery(c), relayOptions{kind: relaymsg.KindSelected, deadline: deadlineDefault})
}

// ── File system & scripting ──────────────────────────────────────────────

func (s *Server) handleFileSystem(c *gin.Context) {
	s.relay(c, worldIDFromQuery(c), relayOptions{
		kind:     relaymsg.KindFileSystem,
		deadline: deadlineMacro,
		fields:   map[string]interface{}{"path": c.Query("path")},
	})
}

// handleUpload is POST /upload?clientId= — raw binary body up to 250 MiB,
// base64-encoded for the socket frame since the wire protocol is JSON text.
const maxUploadBytes = 250 << 20

func (s *Server) handleUpload(c *gin.Context) {
	body := http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "upload exceeds 250 MiB limit or could not be read"})
		return
	}
	s.relay(c, worldIDFromQuery(c), relayOptions{
		kind:     relaymsg.KindUploadFile,
		deadline: deadlineUpload,
		fields: map[string]interface{}{
			"path": c.Query("path"),
			"data": encodeBase64(data),
		},
	})
}

func (s *Server) handleDownload(c *gin.Context) {
	path := c.Query("path")
	s.relay(c, worldIDFromQuery(c), relayOptions{
		kind:         relaymsg.KindDownloadFile,
		secondaryKey: path,
		deadline:     deadlineDownload,
		fields:       map[string]interface{}{"path": path},
	})
}

// handleExecuteJS is POST /execute-js?clientId= — script filter applies.
func (s *Server) handleExecuteJS(c *gin.Context) {
	var body struct {
		Script string `json:"script"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !scriptCheck(c, body.Script) {
		return
	}
	s.relay(c, worldIDFromQuery(c), relayOptions{
		kind:     relaymsg.KindExecuteJS,
		deadline: deadlineDefault,
		fields:   map[string]interface{}{"script": body.Script},
	})
}
