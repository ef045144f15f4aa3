package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Tyrowin/chatd/internal/auth"
	"github.com/Tyrowin/chatd/internal/hub"
)

// serveChatSocket upgrades GET /ws/chat/{chatID} and admits the connection
// through a hub.Session. Refusals are reported with a close frame after the
// upgrade so browsers can read the code.
func (a *App) serveChatSocket(w http.ResponseWriter, r *http.Request) {
	token, _ := auth.TokenFromRequest(r)

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	client := NewClient(conn, a.cfg, r.RemoteAddr, a.log)

	// A malformed id still goes through the gate first; uuid.Nil has no
	// members, so an authenticated caller is then refused as forbidden.
	chatID, err := uuid.Parse(chi.URLParam(r, "chatID"))
	if err != nil {
		chatID = uuid.Nil
	}

	session := hub.NewSession(a.sessions, client, chatID)
	client.session = session

	ctx, cancel := context.WithTimeout(a.ctx, 10*time.Second)
	err = session.Open(ctx, token)
	cancel()
	if err != nil {
		a.log.Debug().Err(err).Str("chat_id", chatID.String()).Msg("connection not admitted")
		client.closeConnection()
		return
	}

	if !a.track() {
		session.Close(hub.CloseGoingAway, hub.ReasonShutdown)
		client.closeConnection()
		return
	}
	go func() {
		defer a.clients.Done()
		client.run(a.ctx)
	}()
}

// HealthHandler reports store reachability and live connection counts.
func (a *App) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	if err := a.store.Ping(ctx); err != nil {
		a.log.Warn().Err(err).Msg("health check: store unreachable")
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":      status,
		"connections": a.registry.Count(),
		"chats":       a.registry.ChatCount(),
	})
}

// TestPageHandler serves an HTML test page for testing WebSocket functionality.
// It connects to a chat with a bearer token and shows the broadcast stream.
func (a *App) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := w.Write([]byte(testPageHTML)); err != nil {
		a.log.Debug().Err(err).Msg("error writing HTML response")
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>chatd WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] {
            width: 300px;
            padding: 5px;
            margin-right: 10px;
        }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status {
            margin: 10px 0;
            padding: 5px;
            border-radius: 3px;
        }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>chatd WebSocket Test</h1>

    <div>
        <input type="text" id="chatInput" placeholder="Chat id">
        <input type="text" id="tokenInput" placeholder="Bearer token">
    </div>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addMessage(text, color) {
            const el = document.createElement('div');
            el.style.margin = '5px 0';
            el.style.color = color || 'gray';
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            messageInput.disabled = !connected;
            sendButton.disabled = !connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function render(frame) {
            switch (frame.type) {
            case 'chat_message':
                addMessage('[' + frame.created_at + '] ' + frame.sender_id + ': ' + frame.message, 'green');
                break;
            case 'member_added':
                addMessage(frame.user_id + ' joined');
                break;
            case 'member_removed':
                addMessage(frame.user_id + ' left');
                break;
            case 'error':
                addMessage('error: ' + frame.code, 'red');
                break;
            default:
                addMessage(JSON.stringify(frame));
            }
        }

        function connect() {
            const chatID = document.getElementById('chatInput').value.trim();
            const token = document.getElementById('tokenInput').value.trim();
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws/chat/' + encodeURIComponent(chatID) +
                '?token=' + encodeURIComponent(token));

            ws.onopen = function() {
                addMessage('Connected to chat ' + chatID);
                updateStatus(true);
            };

            ws.onmessage = function(event) {
                render(JSON.parse(event.data));
            };

            ws.onclose = function(event) {
                addMessage('Connection closed (' + event.code + (event.reason ? ' ' + event.reason : '') + ')');
                updateStatus(false);
                ws = null;
            };

            ws.onerror = function() {
                addMessage('Connection error', 'red');
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function sendMessage() {
            const message = messageInput.value.trim();
            if (message && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({message: message}));
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
