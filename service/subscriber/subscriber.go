// Package subscriber maintains one persistent log stream per node. Each
// stream survives every kind of disconnect by sleeping and redialing; frames
// are parsed and offered to the log queue without ever blocking the reader.
package subscriber

import (
	"context"
	"crypto/tls"
	"fmt"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/Mtoly/XrayIPGuard/api"
	"github.com/Mtoly/XrayIPGuard/common/parser"
	"github.com/Mtoly/XrayIPGuard/panel"
	"github.com/Mtoly/XrayIPGuard/service/checker"
)

const (
	reconnectDelay   = 10 * time.Second
	handshakeTimeout = 15 * time.Second
)

// intervals de-synchronises polling across many streams: each connection
// picks its own poll interval.
var intervals = []string{"0.9", "1.3", "1.5", "1.7"}

type Subscriber struct {
	panel  *panel.Client
	node   api.Node
	parser parser.Parser
	queue  *checker.Queue
	notify api.Notifier
}

func New(panelClient *panel.Client, node api.Node, p parser.Parser,
	queue *checker.Queue, notifier api.Notifier) *Subscriber {
	return &Subscriber{
		panel:  panelClient,
		node:   node,
		parser: p,
		queue:  queue,
		notify: notifier,
	}
}

// Run streams until the context is cancelled. The wss loop only exits on
// cancellation or exhausted panel auth; if it ever returns otherwise, the ws
// loop takes over.
func (s *Subscriber) Run(ctx context.Context) {
	for _, scheme := range []string{"wss", "ws"} {
		s.runScheme(ctx, scheme)
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Subscriber) runScheme(ctx context.Context, scheme string) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := s.panel.EnsureToken(ctx); err != nil {
			log.WithFields(log.Fields{
				"node": s.node.Name,
				"err":  err,
			}).Error("cannot authenticate for log stream")
			return
		}

		interval := intervals[rand.Intn(len(intervals))]
		url := fmt.Sprintf("%s://%s/api/nodes/%d/xray/logs?interval=%s&token=%s",
			scheme, s.panel.Session().Domain, s.node.ID, interval, s.panel.Session().Token())

		dialer := websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		}
		if scheme == "wss" {
			dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}

		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			s.reportDisconnect(err)
			if sleepErr := sleepCtx(ctx, reconnectDelay); sleepErr != nil {
				return
			}
			continue
		}

		err = s.readLoop(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}

		s.reportDisconnect(err)
		if sleepErr := sleepCtx(ctx, reconnectDelay); sleepErr != nil {
			return
		}
	}
}

// readLoop consumes frames until the connection dies or the context is
// cancelled. Cancellation closes the connection to unblock the read.
func (s *Subscriber) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		user := s.parser.Parse(string(message))
		if user == nil {
			continue
		}
		user.Node = s.node.Name

		if !s.queue.Offer(user) {
			log.Warnf("Log queue full. Dropped log from %s", s.node.Name)
		}
	}
}

func (s *Subscriber) reportDisconnect(err error) {
	code := "N/A"
	reason := "Unknown"
	if closeErr, ok := err.(*websocket.CloseError); ok {
		code = fmt.Sprintf("%d", closeErr.Code)
		reason = closeErr.Text
	}

	message := fmt.Sprintf(
		"Connection to Node: %s - %s closed [Code: %s] [Reason: %s] [Error Message: %v] trying to connect 10 second later!",
		s.node.Name, s.node.Address, code, reason, err)
	log.Error(message)
	s.notify.Notify(message)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
