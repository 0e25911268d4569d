package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// handleWebSocket upgrades GET /ws and registers the new client. The user id
// comes from the userid query parameter and may be empty.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(conn, s.hub, s.dispatcher, ClientOptions{
		ID:             uuid.NewString(),
		UserID:         r.URL.Query().Get("userid"),
		Addr:           r.RemoteAddr,
		MaxMessageSize: s.cfg.MaxMessageSize,
		RateLimit:      s.cfg.RateLimit,
		Logger:         s.logger,
	})
	if !s.hub.Register(client) {
		s.logger.Info("rejecting connection during shutdown", "addr", r.RemoteAddr)
		_ = conn.Close()
	}
}

// handleHealth answers the plain-text liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "Group relay is running!")
}

type statsResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
	Stats   any    `json:"stats,omitempty"`
}

// handleStats reports live client count and component counters as JSON.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := statsResponse{Status: "ok", Clients: s.hub.Count()}
	if s.stats != nil {
		resp.Stats = s.stats()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("write stats response failed", "error", err)
	}
}

// handleTestPage serves a browser page that drives every client action.
func (s *Server) handleTestPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPage); err != nil {
		s.logger.Warn("write test page failed", "error", err)
	}
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>Group Relay Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #log {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { width: 200px; padding: 5px; margin-right: 10px; }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .row { margin: 8px 0; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Group Relay Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div class="row">
        <input type="text" id="user" placeholder="User id (optional)">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div class="row">
        <input type="text" id="group" placeholder="Group" value="lobby">
        <button onclick="invoke('createChatRoom', [val('group')])">Create room</button>
        <button onclick="invoke('JoinGroup', ['', val('group')])">Join</button>
        <button onclick="invoke('LeaveGroup', ['', val('group')])">Leave</button>
        <button onclick="invoke('GetAllRoomMessages', [val('group')])">History</button>
    </div>
    <div class="row">
        <input type="text" id="text" placeholder="Type a message...">
        <button onclick="invoke('postmessage', [val('text'), val('group')])">Send</button>
    </div>

    <div id="log"></div>

    <script>
        let ws = null;
        let nextId = 1;
        const seen = new Set();
        const logDiv = document.getElementById('log');
        const statusDiv = document.getElementById('status');
        const connectButton = document.getElementById('connectButton');

        function val(id) { return document.getElementById(id).value.trim(); }

        function log(text, color) {
            const line = document.createElement('div');
            line.style.color = color || 'gray';
            line.textContent = text;
            logDiv.appendChild(line);
            logDiv.scrollTop = logDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws?userid=' + encodeURIComponent(val('user')));
            ws.onopen = function() { log('Connected'); updateStatus(true); };
            ws.onclose = function() { log('Connection closed'); updateStatus(false); ws = null; };
            ws.onerror = function() { log('Connection error', 'red'); };
            ws.onmessage = function(event) {
                const frame = JSON.parse(event.data);
                if (frame.invocationId) {
                    if (frame.error) { log('#' + frame.invocationId + ' failed: ' + frame.error, 'red'); }
                    return;
                }
                const items = (frame.arguments && frame.arguments[0]) || [];
                if (frame.target === 'newRoom') {
                    items.forEach(function(room) { log('room: ' + room.group, 'purple'); });
                } else if (frame.target === 'newMessage') {
                    items.forEach(function(m) {
                        if (seen.has(m.id)) { return; }
                        seen.add(m.id);
                        log('[' + m.group + '] ' + (m.sender || 'anonymous') + ': ' + m.text, 'green');
                    });
                }
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) { ws.close(); } else { connect(); }
        }

        function invoke(target, args) {
            if (!ws || ws.readyState !== WebSocket.OPEN) { log('Not connected', 'red'); return; }
            ws.send(JSON.stringify({ invocationId: String(nextId++), target: target, arguments: args }));
        }
    </script>
</body>
</html>`
