package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"convod/mux"
	"convod/store"
)

const (
	wsReadLimit = 1 << 20
	// sendBuffer bounds per-viewer queued notes. A viewer that falls this
	// far behind is treated as dead and pruned.
	sendBuffer = 256
)

// clientMessage is what a viewer sends over the WebSocket.
type clientMessage struct {
	Kind       string            `json:"kind"`
	Content    string            `json:"content,omitempty"`
	Attachment *store.Attachment `json:"attachment,omitempty"`
}

// attachWS upgrades the connection and attaches it to the conversation as a
// viewer. The subprocess outlives this connection; closing the socket only
// detaches.
func (s *Server) attachWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	wsConn.SetReadLimit(wsReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	v := newWSViewer(ctx, cancel, wsConn, s.log.Named("viewer").With("Conversation", id))
	go v.writeLoop()

	if err := s.sup.Attach(id, v); err != nil {
		s.log.Debugw("attach failed", "Conversation", id, "Error", err)
		if errors.Is(err, store.ErrNotFound) {
			wsConn.Close(websocket.StatusPolicyViolation, "unknown conversation")
		} else {
			wsConn.Close(websocket.StatusInternalError, "attach failed")
		}
		return
	}
	defer s.sup.Detach(id, v)

	for {
		var msg clientMessage
		err := wsjson.Read(ctx, wsConn, &msg)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			s.log.Debug("viewer closed normally")
			return
		}
		if err != nil {
			s.log.Debugf("viewer read error: %s", err)
			return
		}
		switch msg.Kind {
		case "submit":
			if err := s.sup.Submit(id, v, msg.Content, msg.Attachment); err != nil {
				if errors.Is(err, mux.ErrNoActiveProcess) {
					v.Send(mux.ErrorNote{Kind: mux.NoteError, Text: "no active process"})
					continue
				}
				s.log.Warnw("submit failed", "Conversation", id, "Error", err)
				v.Send(mux.ErrorNote{Kind: mux.NoteError, Text: "submit failed"})
			}
		default:
			s.log.Debugw("ignoring unknown client message", "Kind", msg.Kind)
		}
	}
}

// wsViewer adapts a WebSocket connection to mux.Viewer. Notes are queued to a
// dedicated writer goroutine so a slow peer never blocks the broadcaster.
type wsViewer struct {
	ctx    context.Context
	cancel context.CancelFunc
	conn   *websocket.Conn
	log    *zap.SugaredLogger
	ch     chan any
}

func newWSViewer(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, log *zap.SugaredLogger) *wsViewer {
	return &wsViewer{
		ctx:    ctx,
		cancel: cancel,
		conn:   conn,
		log:    log,
		ch:     make(chan any, sendBuffer),
	}
}

func (v *wsViewer) Send(note any) error {
	select {
	case <-v.ctx.Done():
		return v.ctx.Err()
	default:
	}
	select {
	case v.ch <- note:
		return nil
	default:
		// backlogged beyond the buffer: give up on this viewer
		v.cancel()
		return errors.New("viewer send buffer full")
	}
}

func (v *wsViewer) writeLoop() {
	for {
		select {
		case <-v.ctx.Done():
			return
		case note := <-v.ch:
			if err := wsjson.Write(v.ctx, v.conn, note); err != nil {
				v.log.Debugf("viewer write error: %s", err)
				v.cancel()
				return
			}
		}
	}
}
