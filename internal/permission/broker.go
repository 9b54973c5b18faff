// Package permission gates tool execution behind an ordered rule policy
// and an out-of-band approval flow. Rule evaluation is synchronous; ask
// outcomes park the calling run on a pending request until whoever fronts
// the engine answers through Respond, the wait times out, or the run is
// cancelled.
package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tandemhq/tandem/internal/common/config"
	"github.com/tandemhq/tandem/internal/common/errors"
	"github.com/tandemhq/tandem/internal/common/ident"
	"github.com/tandemhq/tandem/internal/common/logger"
	"github.com/tandemhq/tandem/internal/events"
	"github.com/tandemhq/tandem/internal/events/bus"
	sessionmodels "github.com/tandemhq/tandem/internal/session/models"
)

// requestPrefix is the id prefix for permission requests.
const requestPrefix = "perm"

// defaultRequestTimeout bounds the ask wait when configuration does not.
const defaultRequestTimeout = 5 * time.Minute

// Decision is the outcome of a permission request.
type Decision struct {
	Granted bool
	Reason  string
}

// Pending describes one unanswered permission request.
type Pending struct {
	RequestID string
	SessionID string
	ToolName  string
	Created   time.Time
}

type pendingRequest struct {
	info     Pending
	response chan Decision
}

// Broker decides whether tool calls may run.
type Broker struct {
	policy   *Policy
	timeout  time.Duration
	eventBus bus.EventBus
	logger   *logger.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// NewBroker creates a permission broker over the given policy. A nil
// policy asks for everything.
func NewBroker(policy *Policy, timeout time.Duration, eventBus bus.EventBus, log *logger.Logger) *Broker {
	if policy == nil {
		policy = &Policy{Default: ActionAsk}
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	if log == nil {
		log = logger.Default()
	}
	return &Broker{
		policy:   policy,
		timeout:  timeout,
		eventBus: eventBus,
		logger:   log,
		pending:  make(map[string]*pendingRequest),
	}
}

// Provide builds the broker from configuration, loading the policy file
// when one is configured.
func Provide(cfg *config.Config, eventBus bus.EventBus, log *logger.Logger) (*Broker, error) {
	path := strings.TrimSpace(cfg.Permissions.PolicyPath)
	if path != "" {
		path = config.ExpandPath(path)
	}
	policy, err := LoadPolicy(path, Action(cfg.Permissions.DefaultMode))
	if err != nil {
		return nil, err
	}
	return NewBroker(policy, cfg.Permissions.RequestTimeoutDuration(), eventBus, log), nil
}

// Request decides whether the tool call may proceed. Sessions in bypass
// mode skip the rules entirely. An ask outcome blocks until Respond is
// called with the request id, the wait times out (denied), or ctx is
// cancelled.
func (b *Broker) Request(ctx context.Context, session *sessionmodels.Session, toolName string, input json.RawMessage) (Decision, error) {
	if session.BypassMode {
		return Decision{Granted: true}, nil
	}

	action, message := b.policy.Evaluate(toolName, input)
	switch action {
	case ActionAllow:
		return Decision{Granted: true, Reason: message}, nil
	case ActionDeny:
		if message == "" {
			message = fmt.Sprintf("tool %s is denied by policy", toolName)
		}
		return Decision{Granted: false, Reason: message}, nil
	}
	return b.ask(ctx, session.ID, toolName, input, message)
}

// Respond answers a pending request and unblocks the run waiting on it.
// A second response for the same id is rejected.
func (b *Broker) Respond(requestID string, granted bool, reason string) error {
	b.mu.Lock()
	req, ok := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		return errors.NotFound("PermissionRequest", requestID)
	}

	select {
	case req.response <- Decision{Granted: granted, Reason: reason}:
		return nil
	default:
		return errors.InvalidOperation(fmt.Sprintf("permission request %s is already answered", requestID))
	}
}

// PendingRequests returns the requests currently awaiting an answer,
// oldest first.
func (b *Broker) PendingRequests() []Pending {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Pending, 0, len(b.pending))
	for _, req := range b.pending {
		out = append(out, req.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

func (b *Broker) ask(ctx context.Context, sessionID, toolName string, input json.RawMessage, detail string) (Decision, error) {
	req := &pendingRequest{
		info: Pending{
			RequestID: ident.New(requestPrefix),
			SessionID: sessionID,
			ToolName:  toolName,
			Created:   time.Now(),
		},
		response: make(chan Decision, 1),
	}
	b.mu.Lock()
	b.pending[req.info.RequestID] = req
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, req.info.RequestID)
		b.mu.Unlock()
	}()

	b.publish(ctx, events.PermissionRequested{
		RequestID: req.info.RequestID,
		SessionID: sessionID,
		ToolName:  toolName,
		Input:     input,
		Detail:    detail,
	})
	b.logger.Info("awaiting permission response",
		zap.String("request_id", req.info.RequestID),
		zap.String("session_id", sessionID),
		zap.String("tool", toolName))

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	var decision Decision
	select {
	case decision = <-req.response:
	case <-timer.C:
		decision = Decision{Reason: "permission request timed out"}
	case <-ctx.Done():
		// The run is gone; resolve the request on the bus so watchers do
		// not wait on a prompt nobody will answer.
		b.publish(context.Background(), events.PermissionResponded{
			RequestID: req.info.RequestID,
			SessionID: sessionID,
			Granted:   false,
			Reason:    "run cancelled",
		})
		return Decision{}, ctx.Err()
	}

	b.publish(ctx, events.PermissionResponded{
		RequestID: req.info.RequestID,
		SessionID: sessionID,
		Granted:   decision.Granted,
		Reason:    decision.Reason,
	})
	return decision, nil
}

func (b *Broker) publish(ctx context.Context, event bus.Event) {
	if b.eventBus == nil {
		return
	}
	b.eventBus.Publish(ctx, event)
}
