package realtime

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const writeTimeout = 5 * time.Second

// Identity is the verified principal bound to a connection at handshake.
type Identity struct {
	UserID string
	Name   string
}

// CredentialVerifier turns a bearer credential into an identity, or rejects
// it. Expired and malformed credentials are both rejections.
type CredentialVerifier interface {
	VerifyCredential(ctx context.Context, token string) (Identity, error)
}

// Gateway upgrades authenticated HTTP requests to websocket connections and
// pumps commands and events between the client and the hub.
type Gateway struct {
	hub      *Hub
	verifier CredentialVerifier
	origin   string
}

func NewGateway(hub *Hub, verifier CredentialVerifier, origin string) *Gateway {
	return &Gateway{hub: hub, verifier: verifier, origin: origin}
}

// ServeHTTP handles the websocket handshake. The credential is verified
// before the upgrade; an unverifiable request never reaches room operations.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		http.Error(w, "missing credential", http.StatusUnauthorized)
		return
	}

	identity, err := g.verifier.VerifyCredential(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid credential", http.StatusUnauthorized)
		return
	}

	opts := &websocket.AcceptOptions{}
	if g.origin != "" {
		opts.OriginPatterns = []string{g.origin}
	}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		log.Printf("realtime: accept failed for user %s: %v", identity.UserID, err)
		return
	}

	conn := g.hub.NewConn(identity.UserID, identity.Name)
	defer g.hub.Disconnect(conn)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go g.writeLoop(ctx, ws, conn)
	g.readLoop(ctx, ws, conn)

	ws.Close(websocket.StatusNormalClosure, "")
}

// readLoop consumes client commands until the transport drops. Any read
// error, clean close included, ends the connection.
func (g *Gateway) readLoop(ctx context.Context, ws *websocket.Conn, conn *Conn) {
	for {
		var cmd Command
		if err := wsjson.Read(ctx, ws, &cmd); err != nil {
			return
		}
		g.dispatch(ctx, conn, cmd)
	}
}

func (g *Gateway) dispatch(ctx context.Context, conn *Conn, cmd Command) {
	switch cmd.Type {
	case CommandJoinProject:
		if cmd.ProjectID == "" {
			conn.deliver(Event{Type: EventError, Message: "projectId is required"})
			return
		}
		err := g.hub.Join(ctx, conn, cmd.ProjectID)
		switch {
		case errors.Is(err, ErrNotAMember):
			conn.deliver(Event{Type: EventJoinRejected, ProjectID: cmd.ProjectID, Message: "access removed"})
		case err != nil:
			log.Printf("realtime: join %s failed for user %s: %v", cmd.ProjectID, conn.UserID, err)
			conn.deliver(Event{Type: EventError, ProjectID: cmd.ProjectID, Message: "join failed"})
		default:
			conn.deliver(Event{Type: EventJoined, ProjectID: cmd.ProjectID})
		}
	case CommandLeaveProject:
		if cmd.ProjectID == "" {
			conn.deliver(Event{Type: EventError, Message: "projectId is required"})
			return
		}
		g.hub.Leave(conn, cmd.ProjectID)
	default:
		conn.deliver(Event{Type: EventError, Message: "unknown command"})
	}
}

// writeLoop drains the connection's event queue onto the wire. Acks and
// broadcasts share the queue, so each client sees a single ordered stream.
func (g *Gateway) writeLoop(ctx context.Context, ws *websocket.Conn, conn *Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case event := <-conn.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, ws, event)
			cancel()
			if err != nil {
				g.hub.Disconnect(conn)
				return
			}
		}
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}
