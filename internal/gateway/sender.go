package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrSenderClosed = errors.New("sender closed")

const writeTimeout = 10 * time.Second

// Conn is the writable half of a websocket connection.
type Conn interface {
	WriteJSON(v any) error
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
}

type outFrame struct {
	control any
	audio   []byte
}

// Sender serializes every outbound frame of one connection through a single
// writer goroutine. Enqueue order is wire order, which keeps audio_start,
// audio chunks and audio_end properly bracketed.
type Sender struct {
	conn      Conn
	frames    chan outFrame
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	onWrite   func(isAudio bool)
}

func NewSender(conn Conn, onWrite func(isAudio bool)) *Sender {
	s := &Sender{
		conn:    conn,
		frames:  make(chan outFrame, 256),
		done:    make(chan struct{}),
		onWrite: onWrite,
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s
}

func (s *Sender) SendControl(v any) error {
	return s.enqueue(outFrame{control: v})
}

func (s *Sender) SendAudio(chunk []byte) error {
	return s.enqueue(outFrame{audio: chunk})
}

func (s *Sender) enqueue(f outFrame) error {
	select {
	case <-s.done:
		return ErrSenderClosed
	case s.frames <- f:
		return nil
	}
}

// Close stops the writer and waits for it to exit. Frames still queued are
// dropped; the connection is going away anyway.
func (s *Sender) Close() {
	s.markClosed()
	s.wg.Wait()
}

func (s *Sender) markClosed() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *Sender) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case f := <-s.frames:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			var err error
			if f.audio != nil {
				err = s.conn.WriteMessage(websocket.BinaryMessage, f.audio)
			} else {
				err = s.conn.WriteJSON(f.control)
			}
			if err != nil {
				s.markClosed()
				return
			}
			if s.onWrite != nil {
				s.onWrite(f.audio != nil)
			}
		}
	}
}
