// Package notify implements the optional notification side channel
// (spec §6): length-delimited JSON events written best-effort to a
// UNIX domain socket. No ecosystem length-delimited-JSON library was
// present in the retrieval pack for this narrow a wire format, so this
// is built directly on net/encoding-json (see DESIGN.md).
package notify

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// EventType names the four notification kinds spec §6 lists.
type EventType string

const (
	Initialized EventType = "INITIALIZED"
	Clear       EventType = "CLEAR"
	ChangedFile EventType = "CHANGED_FILE"
	ErrorEvent  EventType = "ERROR"
)

// Event is the envelope written to the socket, length-prefixed.
type Event struct {
	Type    EventType `json:"type"`
	File    string    `json:"file,omitempty"`
	Ready   bool      `json:"ready,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Notifier owns a best-effort connection to the notification socket.
// A broken socket warns once and silently no-ops afterward (spec §6).
type Notifier struct {
	path    string
	logger  hclog.Logger
	mu      sync.Mutex
	conn    net.Conn
	warned  bool
}

// New builds a Notifier for the given socket path. An empty path
// disables the channel entirely.
func New(path string, logger hclog.Logger) *Notifier {
	return &Notifier{path: path, logger: logger}
}

func (n *Notifier) connect() net.Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.path == "" {
		return nil
	}
	if n.conn != nil {
		return n.conn
	}
	conn, err := net.Dial("unix", n.path)
	if err != nil {
		if !n.warned {
			n.logger.Warn("notification socket unavailable, notifications disabled", "path", n.path, "error", err)
			n.warned = true
		}
		return nil
	}
	n.conn = conn
	return conn
}

func (n *Notifier) Send(ev Event) {
	conn := n.connect()
	if conn == nil {
		return
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))

	if _, err := conn.Write(header); err != nil {
		n.dropConn()
		return
	}
	if _, err := conn.Write(body); err != nil {
		n.dropConn()
		return
	}
}

func (n *Notifier) dropConn() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
}

// Initialized notifies that the daemon has finished starting up.
func (n *Notifier) Initialized() { n.Send(Event{Type: Initialized}) }

// ClearNotification notifies that the cache/lock file state was cleared.
func (n *Notifier) ClearNotification() { n.Send(Event{Type: Clear}) }

// ChangedFileNotification notifies that a file changed and whether its
// pipeline has settled (ready).
func (n *Notifier) ChangedFileNotification(file string, ready bool) {
	n.Send(Event{Type: ChangedFile, File: file, Ready: ready})
}

// ErrorNotification notifies of a Task failure for a given file/artifact.
func (n *Notifier) ErrorNotification(file, message string) {
	n.Send(Event{Type: ErrorEvent, File: file, Message: message})
}
