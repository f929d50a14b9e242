package session

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"chanrelay/internal/core/domain"
	"chanrelay/internal/core/ports"
	apperrors "chanrelay/pkg/errors"
)

var ErrDuplicateAction = errors.New("action already registered")

// PreHandler runs when a client sends the action.
type PreHandler func(ctx context.Context, peer ports.Peer, evt *domain.Event) error

// PostHandler runs when a parsable event with the action arrives from the bus and
// decides what reaches the client.
type PostHandler func(ctx context.Context, peer ports.Peer, evt *domain.Event) (Outcome, error)

// Route binds an action to its handlers. Post is optional.
type Route struct {
	Action domain.Action
	Pre    PreHandler
	Post   PostHandler
}

// Registry is the dispatch table shared by every session of the process. It is filled
// during startup and read-only afterwards.
type Registry struct {
	routes map[domain.Action]Route
}

func NewRegistry() *Registry {
	return &Registry{routes: make(map[domain.Action]Route)}
}

func (r *Registry) Register(action domain.Action, pre PreHandler, post PostHandler) error {
	if action == "" {
		return fmt.Errorf("empty action")
	}
	if pre == nil {
		return fmt.Errorf("action %s: pre handler is required", action)
	}
	if _, exists := r.routes[action]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAction, action)
	}
	r.routes[action] = Route{Action: action, Pre: pre, Post: post}
	return nil
}

func (r *Registry) RegisterRoutes(routes ...Route) error {
	for _, route := range routes {
		if err := r.Register(route.Action, route.Pre, route.Post); err != nil {
			return err
		}
	}
	return nil
}

// Require fails unless every given action has a handler.
func (r *Registry) Require(actions ...domain.Action) error {
	var missing []error
	for _, action := range actions {
		if _, ok := r.routes[action]; !ok {
			missing = append(missing, fmt.Errorf("no handler for action %s", action))
		}
	}
	return errors.Join(missing...)
}

// Actions returns the registered actions in lexical order.
func (r *Registry) Actions() []domain.Action {
	actions := make([]domain.Action, 0, len(r.routes))
	for action := range r.routes {
		actions = append(actions, action)
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })
	return actions
}

// Dispatch runs the pre handler of evt.Action.
func (r *Registry) Dispatch(ctx context.Context, peer ports.Peer, evt *domain.Event) error {
	route, ok := r.routes[evt.Action]
	if !ok {
		return apperrors.Validation(
			fmt.Errorf("%w: %s", domain.ErrUnknownAction, evt.Action),
			fmt.Sprintf("unknown event %q", evt.Action),
		)
	}
	return route.Pre(ctx, peer, evt)
}

// PostProcess runs the post handler of evt.Action. Actions without one are forwarded.
func (r *Registry) PostProcess(ctx context.Context, peer ports.Peer, evt *domain.Event) (Outcome, error) {
	route, ok := r.routes[evt.Action]
	if !ok || route.Post == nil {
		return Forward(), nil
	}
	return route.Post(ctx, peer, evt)
}
