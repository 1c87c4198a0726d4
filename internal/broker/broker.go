// Package broker implements the fan-out server the wristbands connect
// to. Clients subscribe to topics and publish string payloads; every
// publish is delivered to all current subscribers of its topic as a
// newline-terminated JSON envelope.
//
// Subscriptions live in memory only and die with the connection.
// There is no acknowledgement, no authentication, and no persistence.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/wrenwood/tapband/internal/protocol"
)

// Broker accepts raw TCP clients and routes publish frames to
// subscribers.
type Broker struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*client
	subs    map[string]map[string]*client // topic → client ID → client
}

type client struct {
	id   string
	conn net.Conn

	// writeMu serializes deliveries so concurrent publishes cannot
	// interleave partial frames on one connection.
	writeMu sync.Mutex
}

// New creates an empty Broker.
func New(logger *slog.Logger) *Broker {
	return &Broker{
		logger:  logger,
		clients: make(map[string]*client),
		subs:    make(map[string]map[string]*client),
	}
}

// Serve accepts clients on ln until ctx is cancelled. Each client gets
// its own goroutine; Serve itself blocks.
func (b *Broker) Serve(ctx context.Context, ln net.Listener) error {
	context.AfterFunc(ctx, func() { ln.Close() })

	b.logger.Info("broker listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				b.logger.Info("broker stopped")
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		cl := &client{id: uuid.NewString(), conn: conn}
		b.mu.Lock()
		b.clients[cl.id] = cl
		b.mu.Unlock()

		b.logger.Info("client connected",
			"client", cl.id, "remote", conn.RemoteAddr().String())
		go b.handle(cl)
	}
}

// handle stream-decodes control frames from one client until the
// connection dies. Control frames arrive back to back with no
// delimiter, so a streaming JSON decoder is the framing.
func (b *Broker) handle(cl *client) {
	defer b.drop(cl)

	dec := json.NewDecoder(cl.conn)
	for {
		var msg protocol.ControlMessage
		if err := dec.Decode(&msg); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				b.logger.Debug("client stream ended", "client", cl.id, "error", err)
			}
			return
		}

		switch msg.Type {
		case protocol.TypeSubscribe:
			b.subscribe(msg.Topic, cl)
		case protocol.TypePublish:
			b.publish(msg.Topic, msg.Payload, cl.id)
		default:
			b.logger.Warn("unknown control message",
				"client", cl.id, "type", msg.Type)
		}
	}
}

func (b *Broker) subscribe(topic string, cl *client) {
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*client)
	}
	b.subs[topic][cl.id] = cl
	b.mu.Unlock()

	b.logger.Info("client subscribed", "client", cl.id, "topic", topic)
}

// publish fans one payload out to every subscriber of topic, the
// sender included if it subscribed. Write failures only cost that one
// subscriber its delivery; the dead connection is reaped by its own
// handler.
func (b *Broker) publish(topic, payload, sender string) {
	frame, err := protocol.EncodeEnvelope(topic, payload, sender)
	if err != nil {
		b.logger.Warn("drop unencodable publish", "topic", topic, "error", err)
		return
	}

	b.mu.Lock()
	targets := make([]*client, 0, len(b.subs[topic]))
	for _, cl := range b.subs[topic] {
		targets = append(targets, cl)
	}
	b.mu.Unlock()

	b.logger.Info("publishing",
		"topic", topic, "sender", sender, "subscribers", len(targets))

	for _, cl := range targets {
		cl.writeMu.Lock()
		_, err := cl.conn.Write(frame)
		cl.writeMu.Unlock()
		if err != nil {
			b.logger.Debug("delivery failed", "client", cl.id, "error", err)
		}
	}
}

// drop removes a client from every topic and closes its connection.
func (b *Broker) drop(cl *client) {
	b.mu.Lock()
	delete(b.clients, cl.id)
	for topic, subs := range b.subs {
		delete(subs, cl.id)
		if len(subs) == 0 {
			delete(b.subs, topic)
		}
	}
	b.mu.Unlock()

	cl.conn.Close()
	b.logger.Info("client disconnected", "client", cl.id)
}
