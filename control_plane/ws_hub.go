package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/itskum47/FleetForge/control_plane/observability"
	"github.com/itskum47/FleetForge/control_plane/streaming"
)

var errHubClosed = errors.New("event hub closed")

const (
	maxStreamClients = 200
	clientBuffer     = 64
	hubBuffer        = 1024
)

// streamClient is one websocket subscriber. An empty controllerID receives
// every event of the tenant.
type streamClient struct {
	tenantID     string
	controllerID string
	send         chan []byte
}

func (c *streamClient) wants(ev streaming.Event) bool {
	if ev.TenantID != c.tenantID {
		return false
	}
	return c.controllerID == "" || c.controllerID == ev.ControllerID
}

// Hub fans events out to websocket clients. A single goroutine owns the
// client set; slow clients are dropped instead of blocking the broadcast.
type Hub struct {
	clients    map[*streamClient]struct{}
	register   chan *streamClient
	unregister chan *streamClient
	events     chan streaming.Event
	done       chan struct{}
	logger     *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*streamClient]struct{}),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		events:     make(chan streaming.Event, hubBuffer),
		done:       make(chan struct{}),
		logger:     logger.With("component", "hub"),
	}
}

// Run owns the client set until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil

		case c := <-h.register:
			if len(h.clients) >= maxStreamClients {
				h.logger.Warn("stream client rejected", "max", maxStreamClients)
				close(c.send)
				continue
			}
			h.clients[c] = struct{}{}
			observability.StreamClients.Set(float64(len(h.clients)))
			h.logger.Debug("stream client registered", "tenant", c.tenantID, "controller_id", c.controllerID, "total", len(h.clients))

		case c := <-h.unregister:
			h.remove(c)

		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev streaming.Event) {
	var data []byte
	for c := range h.clients {
		if !c.wants(ev) {
			continue
		}
		if data == nil {
			var err error
			if data, err = json.Marshal(ev); err != nil {
				h.logger.Error("encode event", "topic", ev.Topic, "error", err)
				return
			}
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warn("dropping slow stream client", "tenant", c.tenantID)
			h.remove(c)
		}
	}
}

func (h *Hub) remove(c *streamClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	observability.StreamClients.Set(float64(len(h.clients)))
}

func (h *Hub) shutdown() {
	h.logger.Info("closing stream clients", "count", len(h.clients))
	for c := range h.clients {
		h.remove(c)
	}
}

// Subscribe registers a client; the returned channel is closed when the
// hub drops it.
func (h *Hub) Subscribe(ctx context.Context, tenantID, controllerID string) (*streamClient, error) {
	c := &streamClient{tenantID: tenantID, controllerID: controllerID, send: make(chan []byte, clientBuffer)}
	select {
	case h.register <- c:
		return c, nil
	case <-h.done:
		return nil, errHubClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Hub) Unsubscribe(c *streamClient) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Deliver queues an event that was already enveloped, e.g. one received
// from Redis Pub/Sub. The event is dropped when the hub is saturated.
func (h *Hub) Deliver(ev streaming.Event) {
	select {
	case h.events <- ev:
	default:
		observability.EventPublishFailures.WithLabelValues(ev.Topic, "hub_full").Inc()
	}
}

// Publish makes Hub a streaming.Publisher for single replica setups.
func (h *Hub) Publish(ctx context.Context, topic string, payload interface{}) error {
	ev, err := streaming.NewEvent(topic, payload)
	if err != nil {
		return err
	}
	h.Deliver(ev)
	return nil
}

func (h *Hub) Close() error { return nil }
