package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/opencui/structi-sub001/internal/agents"
	"github.com/opencui/structi-sub001/internal/domain"
)

type HubConfig struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	RequestTimeout time.Duration
}

type Understander interface {
	Understand(ctx context.Context, req domain.UnderstandRequest) (domain.UnderstandResponse, error)
}

type Reloader interface {
	Reload(ctx context.Context, agent string) (*agents.Runtime, error)
}

// Reply is the payload published on the reply topic of an understand request.
type Reply struct {
	RequestID string                     `json:"request_id"`
	OK        bool                       `json:"ok"`
	Error     string                     `json:"error,omitempty"`
	Response  *domain.UnderstandResponse `json:"response,omitempty"`
}

// Hub serves understand requests and reload notifications when built with a
// service, and acts as a requesting client otherwise.
type Hub struct {
	cfg      HubConfig
	client   paho.Client
	service  Understander
	reloader Reloader
	logger   *slog.Logger

	pendingMu sync.Mutex
	pending   map[string]chan Reply
}

func NewHub(cfg HubConfig, service Understander, reloader Reloader, logger *slog.Logger) *Hub {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:      cfg,
		service:  service,
		reloader: reloader,
		logger:   logger,
		pending:  make(map[string]chan Reply),
	}
}

func (h *Hub) Start(ctx context.Context) error {
	opts := paho.NewClientOptions().
		AddBroker(h.cfg.BrokerURL).
		SetClientID(h.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(false)

	if h.cfg.Username != "" {
		opts.SetUsername(h.cfg.Username)
		opts.SetPassword(h.cfg.Password)
	}

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		h.logger.Error("mqtt connection lost", "error", err)
	})
	// Clean sessions drop subscriptions on reconnect.
	var connected atomic.Bool
	opts.SetOnConnectHandler(func(_ paho.Client) {
		if !connected.Load() {
			return
		}
		if err := h.subscribeHandlers(); err != nil {
			h.logger.Error("mqtt resubscribe failed", "error", err)
		}
	})

	h.client = paho.NewClient(opts)
	if token := h.client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	if err := h.subscribeHandlers(); err != nil {
		return err
	}
	connected.Store(true)

	go func() {
		<-ctx.Done()
		h.client.Disconnect(100)
	}()

	return nil
}

func (h *Hub) subscribeHandlers() error {
	if h.service == nil {
		if token := h.client.Subscribe(TopicReplies(h.cfg.TopicPrefix), 1, h.handleReply); token.Wait() && token.Error() != nil {
			return token.Error()
		}
		return nil
	}
	if token := h.client.Subscribe(TopicUnderstandRequests(h.cfg.TopicPrefix), 1, h.handleUnderstand); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	if h.reloader != nil {
		if token := h.client.Subscribe(TopicReloads(h.cfg.TopicPrefix), 1, h.handleReload); token.Wait() && token.Error() != nil {
			return token.Error()
		}
	}
	return nil
}

func (h *Hub) handleUnderstand(_ paho.Client, msg paho.Message) {
	topic, body, ok := h.serveUnderstand(context.Background(), msg.Topic(), msg.Payload())
	if !ok {
		return
	}
	if token := h.client.Publish(topic, 1, false, body); token.Wait() && token.Error() != nil {
		h.logger.Warn("publish reply failed", "topic", topic, "error", token.Error())
	}
}

// serveUnderstand runs one request and returns the reply topic and payload.
func (h *Hub) serveUnderstand(ctx context.Context, topic string, payload []byte) (string, []byte, bool) {
	agent, err := ParseAgent(topic, h.cfg.TopicPrefix)
	if err != nil {
		h.logger.Warn("skip invalid understand topic", "topic", topic, "error", err)
		return "", nil, false
	}
	requestID := ParseRequestID(topic)

	reply := Reply{RequestID: requestID}
	var req domain.UnderstandRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		reply.Error = fmt.Sprintf("invalid payload: %v", err)
	} else {
		if req.Agent == "" {
			req.Agent = agent
		}
		if req.Agent != agent {
			reply.Error = fmt.Sprintf("agent mismatch: topic=%s payload=%s", agent, req.Agent)
		} else {
			ctx, cancel := context.WithTimeout(ctx, h.cfg.RequestTimeout)
			resp, err := h.service.Understand(ctx, req)
			cancel()
			if err != nil {
				reply.Error = err.Error()
			} else {
				reply.OK = true
				reply.Response = &resp
			}
		}
	}
	if !reply.OK {
		h.logger.Warn("mqtt understand failed", "agent", agent, "request_id", requestID, "error", reply.Error)
	}

	body, err := json.Marshal(reply)
	if err != nil {
		h.logger.Error("marshal reply failed", "agent", agent, "error", err)
		return "", nil, false
	}
	return TopicReply(h.cfg.TopicPrefix, agent, requestID), body, true
}

func (h *Hub) handleReload(_ paho.Client, msg paho.Message) {
	h.serveReload(context.Background(), msg.Topic())
}

func (h *Hub) serveReload(ctx context.Context, topic string) {
	agent, err := ParseAgent(topic, h.cfg.TopicPrefix)
	if err != nil {
		h.logger.Warn("skip invalid reload topic", "topic", topic, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, h.cfg.RequestTimeout)
	defer cancel()
	rt, err := h.reloader.Reload(ctx, agent)
	if err != nil {
		h.logger.Warn("reload from notification failed", "agent", agent, "error", err)
		return
	}
	h.logger.Info("reload notification handled", "agent", agent, "version", rt.Version)
}

func (h *Hub) handleReply(_ paho.Client, msg paho.Message) {
	h.deliver(msg.Topic(), msg.Payload())
}

func (h *Hub) deliver(topic string, payload []byte) {
	requestID := ParseRequestID(topic)
	if requestID == "" {
		return
	}

	var reply Reply
	if err := json.Unmarshal(payload, &reply); err != nil {
		h.logger.Warn("invalid understand reply", "topic", topic, "error", err)
		return
	}
	if reply.RequestID == "" {
		reply.RequestID = requestID
	}

	h.pendingMu.Lock()
	ch, ok := h.pending[reply.RequestID]
	h.pendingMu.Unlock()
	if !ok {
		return
	}

	select {
	case ch <- reply:
	default:
	}
}

// Understand sends a request to whichever server serves the agent and waits
// for its reply.
func (h *Hub) Understand(ctx context.Context, req domain.UnderstandRequest) (domain.UnderstandResponse, error) {
	if req.Agent == "" {
		return domain.UnderstandResponse{}, errors.New("agent is required")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return domain.UnderstandResponse{}, err
	}

	requestID := uuid.NewString()
	replyCh := h.register(requestID)
	defer h.unregister(requestID)

	topic := TopicUnderstand(h.cfg.TopicPrefix, req.Agent, requestID)
	if token := h.client.Publish(topic, 1, false, body); token.Wait() && token.Error() != nil {
		return domain.UnderstandResponse{}, token.Error()
	}
	return h.await(ctx, replyCh)
}

func (h *Hub) register(requestID string) chan Reply {
	ch := make(chan Reply, 1)
	h.pendingMu.Lock()
	h.pending[requestID] = ch
	h.pendingMu.Unlock()
	return ch
}

func (h *Hub) unregister(requestID string) {
	h.pendingMu.Lock()
	delete(h.pending, requestID)
	h.pendingMu.Unlock()
}

func (h *Hub) await(ctx context.Context, replyCh <-chan Reply) (domain.UnderstandResponse, error) {
	timer := time.NewTimer(h.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return domain.UnderstandResponse{}, ctx.Err()
	case reply := <-replyCh:
		if !reply.OK || reply.Response == nil {
			if reply.Error == "" {
				reply.Error = "understand failed"
			}
			return domain.UnderstandResponse{}, fmt.Errorf("%s", reply.Error)
		}
		return *reply.Response, nil
	case <-timer.C:
		return domain.UnderstandResponse{}, fmt.Errorf("understand timeout")
	}
}

// NotifyReload asks every subscribed server to reload the agent.
func (h *Hub) NotifyReload(agent string) error {
	if token := h.client.Publish(TopicReload(h.cfg.TopicPrefix, agent), 1, false, []byte(`{}`)); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}
