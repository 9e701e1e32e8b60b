package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/ChuLiYu/parallel-checker/internal/protocol"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WorkerFromRequest extracts the worker name from a back-channel request.
func WorkerFromRequest(r *http.Request) string {
	return r.URL.Query().Get("worker")
}

// PushConn is the coordinator end of one worker's back-channel.
type PushConn struct {
	worker  string
	conn    *websocket.Conn
	writeMu sync.Mutex // gorilla allows one concurrent writer
}

// UpgradeBackChannel accepts a worker's back-channel connection.
func UpgradeBackChannel(w http.ResponseWriter, r *http.Request) (*PushConn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &PushConn{worker: WorkerFromRequest(r), conn: conn}, nil
}

// Worker is the name of the worker on the other end.
func (p *PushConn) Worker() string {
	return p.worker
}

// Push sends msg to the worker.
func (p *PushConn) Push(msg protocol.Message) error {
	data, err := protocol.Encode(protocol.CoordinatorIdentity, msg)
	if err != nil {
		return err
	}
	return p.PushRaw(data)
}

// PushRaw sends an already-encoded frame.
func (p *PushConn) PushRaw(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// Wait blocks until the worker closes the connection or it breaks.
// Inbound frames are discarded; the back-channel is push-only.
func (p *PushConn) Wait() {
	for {
		if _, _, err := p.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Close tears the connection down, which also releases Wait.
func (p *PushConn) Close() error {
	return p.conn.Close()
}
