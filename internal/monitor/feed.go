package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/PratikDhanave/lead-sync-service/internal/models"
)

// Feed streams finalized sync logs to websocket clients.
type Feed struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan models.SyncLog

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *zap.Logger
}

// NewFeed returns a feed; call Start before serving clients.
func NewFeed(log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan models.SyncLog, 100),
		ctx:       ctx,
		cancel:    cancel,
		log:       log.With(zap.String("component", "feed")),
	}
}

// Start runs the broadcast loop.
func (f *Feed) Start() {
	f.wg.Add(1)
	go f.broadcastLoop()
}

// Stop closes every client and waits for the loop to exit.
func (f *Feed) Stop() {
	f.cancel()

	f.clientsMu.Lock()
	for conn := range f.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(f.clients, conn)
	}
	f.clientsMu.Unlock()

	f.wg.Wait()
}

// Publish queues a log for broadcast. It never blocks the sync path.
func (f *Feed) Publish(l models.SyncLog) {
	select {
	case f.broadcast <- l:
	case <-f.ctx.Done():
	default:
		f.log.Warn("feed channel full, dropping message", zap.String("log_id", l.ID))
	}
}

// ClientCount returns the number of connected clients.
func (f *Feed) ClientCount() int {
	f.clientsMu.RLock()
	defer f.clientsMu.RUnlock()
	return len(f.clients)
}

func (f *Feed) broadcastLoop() {
	defer f.wg.Done()

	for {
		select {
		case <-f.ctx.Done():
			return
		case l := <-f.broadcast:
			data, err := json.Marshal(l)
			if err != nil {
				f.log.Error("marshal feed message", zap.Error(err))
				continue
			}

			f.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(f.clients))
			for conn := range f.clients {
				clients = append(clients, conn)
			}
			f.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(f.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					f.removeClient(conn)
				}
			}
		}
	}
}

// ServeHTTP upgrades the request and registers the client.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		f.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	f.clientsMu.Lock()
	f.clients[conn] = true
	f.clientsMu.Unlock()

	// Clients only listen; reading detects disconnects.
	go func() {
		defer f.removeClient(conn)
		for {
			if _, _, err := conn.Read(f.ctx); err != nil {
				return
			}
		}
	}()
}

func (f *Feed) removeClient(conn *websocket.Conn) {
	f.clientsMu.Lock()
	_, ok := f.clients[conn]
	delete(f.clients, conn)
	f.clientsMu.Unlock()

	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}
