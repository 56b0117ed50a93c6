// Copyright 2026 The Reverie Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package relay

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsPongWait     = 60 * time.Second

	// wsSendQueueLen bounds the per-connection write pump queue. A full
	// queue means the peer is not reading; Send fails instead of blocking.
	wsSendQueueLen = 256
)

// ErrSendQueueFull reports a write pump whose queue the peer let fill up.
var ErrSendQueueFull = errors.New("websocket send queue full")

// WSTransport adapts a gorilla websocket connection to the relay Transport.
// A single write pump goroutine owns all writes; Send only enqueues, so the
// broadcaster never blocks on the network. BufferedBytes tracks bytes
// accepted by Send but not yet written, which is what the backpressure
// check needs.
type WSTransport struct {
	conn *websocket.Conn

	sendCh   chan []byte
	buffered atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

// NewWSTransport wraps an upgraded connection and starts its write pump.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	t := &WSTransport{
		conn:   conn,
		sendCh: make(chan []byte, wsSendQueueLen),
		closed: make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go t.writePump()
	return t
}

// Send queues one text frame. Fails fast when the pump queue is full or the
// transport is closed.
func (t *WSTransport) Send(p []byte) error {
	select {
	case <-t.closed:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case t.sendCh <- p:
		t.buffered.Add(int64(len(p)))
		return nil
	default:
		return ErrSendQueueFull
	}
}

// BufferedBytes reports bytes queued but not yet written to the socket.
func (t *WSTransport) BufferedBytes() int {
	return int(t.buffered.Load())
}

// Close shuts the pump down and closes the socket.
func (t *WSTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		deadline := time.Now().Add(wsWriteTimeout)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = t.conn.Close()
	})
	return err
}

func (t *WSTransport) writePump() {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-t.closed:
			return
		case p := <-t.sendCh:
			_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := t.conn.WriteMessage(websocket.TextMessage, p)
			t.buffered.Add(-int64(len(p)))
			if err != nil {
				log.Debugf("relay: websocket write failed: %v", err)
				_ = t.Close()
				return
			}
		case <-ping.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = t.Close()
				return
			}
		}
	}
}
