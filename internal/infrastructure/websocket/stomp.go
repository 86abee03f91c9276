package websocket

import (
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	gorillaws "github.com/gorilla/websocket"
)

const (
	authorizationHeader = "Authorization"
	maxFrameSize        = 1 << 20
)

var heartbeatPayload = []byte("\n")

// session is one live STOMP connection. Every websocket message carries
// exactly one STOMP frame; an empty or newline-only message is a heartbeat.
type session struct {
	conn        *gorillaws.Conn
	out         chan *frame.Frame
	done        chan struct{}
	readTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newSession(conn *gorillaws.Conn, buffer int, readTimeout time.Duration) *session {
	return &session{
		conn:        conn,
		out:         make(chan *frame.Frame, buffer),
		done:        make(chan struct{}),
		readTimeout: readTimeout,
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// shutdown says goodbye to the broker before tearing the socket down.
func (s *session) shutdown(timeout time.Duration) {
	select {
	case <-s.done:
		return
	default:
	}

	deadline := time.Now().Add(timeout)
	s.writeMu.Lock()
	s.conn.SetWriteDeadline(deadline)
	writeFrame(s.conn, frame.New(frame.DISCONNECT))
	s.writeMu.Unlock()

	s.conn.WriteControl(gorillaws.CloseMessage,
		gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""), deadline)
	s.close()
}

func (s *session) write(f *frame.Frame, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(timeout))
	if f == nil {
		return s.conn.WriteMessage(gorillaws.TextMessage, heartbeatPayload)
	}
	return writeFrame(s.conn, f)
}

func writeFrame(conn *gorillaws.Conn, f *frame.Frame) error {
	w, err := conn.NextWriter(gorillaws.TextMessage)
	if err != nil {
		return err
	}
	if err := frame.NewWriter(w).Write(f); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// readFrame returns a nil frame for heartbeats.
func readFrame(conn *gorillaws.Conn) (*frame.Frame, error) {
	_, r, err := conn.NextReader()
	if err != nil {
		return nil, err
	}
	f, err := frame.NewReader(r).Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	return f, err
}

// negotiateHeartbeat applies the STOMP heart-beat rules to the CONNECTED
// header and returns how long the broker may stay silent before the
// connection is considered dead. Zero disables the read deadline.
func negotiateHeartbeat(serverHeader string, ours time.Duration) time.Duration {
	parts := strings.Split(serverHeader, ",")
	if len(parts) != 2 || ours <= 0 {
		return 0
	}
	sx, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || sx <= 0 {
		return 0
	}
	interval := time.Duration(sx) * time.Millisecond
	if ours > interval {
		interval = ours
	}
	return 3 * interval
}

func heartbeatHeader(interval time.Duration) string {
	ms := strconv.FormatInt(interval.Milliseconds(), 10)
	return ms + "," + ms
}

func newSendFrame(destination, token string, body []byte) *frame.Frame {
	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, "application/json",
		frame.ContentLength, strconv.Itoa(len(body)),
		authorizationHeader, "Bearer "+token,
	)
	f.Body = body
	return f
}
