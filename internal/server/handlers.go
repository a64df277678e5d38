package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/livechat/internal/account"
	"github.com/Tyrowin/livechat/internal/identity"
	"github.com/Tyrowin/livechat/internal/store"
)

const maxRequestBody = 1 << 20

// WebSocketHandler authenticates the request and only then upgrades it. A
// missing, malformed or expired token, or a token for an unknown account, is
// refused with 401 and no upgrade.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if s.isClosing() {
		respondError(s.log, w, http.StatusServiceUnavailable, "server shutting down")
		return
	}

	id, err := s.authenticate(r)
	if err != nil {
		s.log.Info("Refusing websocket connection", "addr", r.RemoteAddr, "error", err)
		respondError(s.log, w, http.StatusUnauthorized, authMessage(err))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Websocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	client := newClient(uuid.NewString(), conn, s.router, s.log, r.RemoteAddr, clientOptionsFrom(s.cfg))
	if err := s.admit(client, id); err != nil {
		s.log.Error("Session admission failed", "session_id", client.id, "error", err)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session rejected")
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		_ = conn.Close()
	}
}

// admit connects the client to the router and starts its pumps, unless the
// server is already shutting down.
func (s *Server) admit(client *Client, id identity.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return ErrShuttingDown
	}
	if _, err := s.router.Connect(client.id, id, client); err != nil {
		return err
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
	go func() {
		defer s.wg.Done()
		client.readPump(s.ctx)
	}()
	return nil
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// authenticate resolves the request's token into an identity whose account
// still exists, within the auth timeout.
func (s *Server) authenticate(r *http.Request) (identity.Identity, error) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.AuthTimeout)
	defer cancel()

	id, err := s.tokens.Verify(ctx, extractToken(r))
	if err != nil {
		return identity.Identity{}, err
	}

	exists, err := s.accounts.Exists(ctx, id.UserID)
	switch {
	case ctx.Err() != nil:
		return identity.Identity{}, fmt.Errorf("%w: %v", identity.ErrMissingCredential, ctx.Err())
	case err != nil:
		return identity.Identity{}, fmt.Errorf("%w: account lookup: %v", identity.ErrMalformedCredential, err)
	case !exists:
		return identity.Identity{}, fmt.Errorf("%w: unknown account", identity.ErrMalformedCredential)
	}
	return id, nil
}

// extractToken looks in the Authorization header first, then in the token
// and auth.token query parameters.
func extractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	query := r.URL.Query()
	if token := query.Get("token"); token != "" {
		return token
	}
	return query.Get("auth.token")
}

func authMessage(err error) string {
	switch {
	case errors.Is(err, identity.ErrExpiredCredential):
		return "token expired"
	case errors.Is(err, identity.ErrMissingCredential):
		return "authentication required"
	}
	return "invalid token"
}

// requireToken guards the REST endpoints with the same bearer token.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.authenticate(r)
		if err != nil {
			respondError(s.log, w, http.StatusUnauthorized, authMessage(err))
			return
		}
		s.log.Debug("Authenticated request", "path", r.URL.Path, "user_id", id.UserID)
		next.ServeHTTP(w, r)
	})
}

// HealthHandler reports liveness and the number of admitted sessions.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	respondJSON(s.log, w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.router.Registry().Len(),
	})
}

// RegisterHandler creates an account.
func (s *Server) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req account.Credentials
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(s.log, w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.accounts.Register(r.Context(), req)
	switch {
	case err == nil:
		respondJSON(s.log, w, http.StatusCreated, res)
	case errors.Is(err, account.ErrInvalidRequest):
		respondError(s.log, w, http.StatusBadRequest, "username must be 3-32 letters or digits and password 8-72 characters")
	case errors.Is(err, account.ErrUserExists):
		respondError(s.log, w, http.StatusConflict, "username already exists")
	default:
		s.log.Error("Registration failed", "error", err)
		respondError(s.log, w, http.StatusInternalServerError, "internal server error")
	}
}

// LoginHandler exchanges a username and password for a token.
func (s *Server) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req account.Credentials
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(s.log, w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.accounts.Login(r.Context(), req)
	switch {
	case err == nil:
		respondJSON(s.log, w, http.StatusOK, res)
	case errors.Is(err, account.ErrInvalidCredentials):
		respondError(s.log, w, http.StatusBadRequest, "invalid credentials")
	default:
		s.log.Error("Login failed", "error", err)
		respondError(s.log, w, http.StatusInternalServerError, "internal server error")
	}
}

// MessagesHandler returns recent history, oldest first. The limit query
// parameter is capped at the configured history limit.
func (s *Server) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.HistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(s.log, w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, s.cfg.HistoryLimit)
	}

	messages, err := s.messages.ReadRecent(r.Context(), limit)
	if err != nil {
		s.log.Error("Failed to read message history", "error", err)
		respondError(s.log, w, http.StatusInternalServerError, "failed to fetch messages")
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	respondJSON(s.log, w, http.StatusOK, messages)
}

// OnlineHandler returns the presence snapshot.
func (s *Server) OnlineHandler(w http.ResponseWriter, _ *http.Request) {
	online := s.router.Online()
	if online == nil {
		online = []identity.Identity{}
	}
	respondJSON(s.log, w, http.StatusOK, online)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func respondJSON(log *slog.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Debug("Failed to encode response", "error", err)
	}
}

func respondError(log *slog.Logger, w http.ResponseWriter, status int, message string) {
	respondJSON(log, w, status, map[string]string{"error": message})
}

// TestPageHandler serves an HTML page speaking the event protocol, for trying
// the server from a browser.
func (s *Server) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := fmt.Fprint(w, testPage); err != nil {
		s.log.Debug("Error writing HTML response", "error", err)
	}
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>livechat test page</title>
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
        input[type="text"], input[type="password"] { width: 200px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
        #online, #typing { color: #555; font-size: 0.9em; }
    </style>
</head>
<body>
    <h1>livechat test page</h1>

    <div>
        <input type="text" id="username" placeholder="username">
        <input type="password" id="password" placeholder="password">
        <button onclick="auth('register')">Register</button>
        <button onclick="auth('login')">Login</button>
    </div>

    <div id="status" class="status disconnected">Disconnected</div>
    <div id="online"></div>
    <div id="typing"></div>

    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
        <button id="connectButton" onclick="toggleConnection()" disabled>Connect</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        let token = null;
        let typingTimer = null;
        const typingUsers = new Map();
        const messagesDiv = document.getElementById('messages');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addLine(text, color) {
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

        async function auth(kind) {
            const body = JSON.stringify({
                username: document.getElementById('username').value,
                password: document.getElementById('password').value,
            });
            const res = await fetch('/api/auth/' + kind, {method: 'POST', headers: {'Content-Type': 'application/json'}, body});
            const data = await res.json();
            if (!res.ok) {
                addLine(kind + ' failed: ' + data.error, 'red');
                return;
            }
            token = data.token;
            connectButton.disabled = false;
            addLine('Signed in as ' + data.user.username);
            const history = await fetch('/api/messages', {headers: {'Authorization': 'Bearer ' + token}});
            if (history.ok) {
                for (const m of await history.json()) {
                    addLine(m.username + ': ' + m.text, 'black');
                }
            }
        }

        function send(event, data) {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({event, data}));
            }
        }

        function renderTyping() {
            const names = Array.from(typingUsers.values());
            document.getElementById('typing').textContent = names.length ? names.join(', ') + ' typing...' : '';
        }

        function handle(frame) {
            const {event, data} = JSON.parse(frame);
            switch (event) {
            case 'chat message':
                addLine(data.username + ': ' + data.text, 'green');
                break;
            case 'private message':
                addLine((data.isOwnMessage ? 'to ' + data.toUserId : 'from ' + data.from) + ' (private): ' + data.text, 'purple');
                break;
            case 'user joined':
                addLine(data.username + ' joined');
                break;
            case 'user left':
                typingUsers.delete(data.userId);
                renderTyping();
                addLine(data.username + ' left');
                break;
            case 'online users':
                document.getElementById('online').textContent = 'Online: ' + data.map(u => u.username).join(', ');
                break;
            case 'user typing':
                typingUsers.set(data.userId, data.username);
                renderTyping();
                break;
            case 'user stopped typing':
                typingUsers.delete(data.userId);
                renderTyping();
                break;
            case 'message failed':
                addLine('Not sent (' + data.reason + '): ' + (data.text || ''), 'red');
                break;
            default:
                addLine(frame);
            }
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws?token=' + encodeURIComponent(token));
            ws.onopen = () => { addLine('Connected'); updateStatus(true); };
            ws.onmessage = (event) => handle(event.data);
            ws.onclose = () => { addLine('Connection closed'); updateStatus(false); ws = null; };
            ws.onerror = () => { addLine('Connection error', 'red'); updateStatus(false); };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else if (token) {
                connect();
            }
        }

        function sendMessage() {
            const text = messageInput.value.trim();
            if (!text) {
                return;
            }
            const match = text.match(/^\/msg (\S+) (.+)$/);
            if (match) {
                send('private message', {toUserId: match[1], text: match[2]});
            } else {
                send('chat message', {text});
            }
            send('typing stop');
            messageInput.value = '';
        }

        messageInput.addEventListener('input', function() {
            send('typing start');
            clearTimeout(typingTimer);
            typingTimer = setTimeout(() => send('typing stop'), 2000);
        });

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
