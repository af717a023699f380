package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/weiawesome/lobbycast/pkg/jwt"
)

// Session describes the connection a procedure runs for.
type Session struct {
	ConnID string
	// Claims is nil for anonymous connections.
	Claims *jwt.Claims
}

// UserID returns the authenticated user, or "".
func (s *Session) UserID() string {
	if s == nil || s.Claims == nil {
		return ""
	}
	return s.Claims.UserID
}

// ProcedureFunc answers a query or mutation.
type ProcedureFunc func(ctx context.Context, s *Session, input json.RawMessage) (any, error)

// SubscriptionFunc streams values through emit until ctx is done or it
// returns. Returning nil before ctx is done ends the subscription.
type SubscriptionFunc func(ctx context.Context, s *Session, input json.RawMessage, emit func(any) error) error

type procedure struct {
	method Method
	call   ProcedureFunc
	stream SubscriptionFunc
}

// Router maps procedure paths such as "lobby.onChange" to handlers.
type Router struct {
	procs map[string]procedure
}

func NewRouter() *Router {
	return &Router{procs: make(map[string]procedure)}
}

func (r *Router) add(path string, p procedure) {
	if _, dup := r.procs[path]; dup {
		panic(fmt.Sprintf("rpc: procedure %q registered twice", path))
	}
	r.procs[path] = p
}

func (r *Router) Query(path string, fn ProcedureFunc) {
	r.add(path, procedure{method: MethodQuery, call: fn})
}

func (r *Router) Mutation(path string, fn ProcedureFunc) {
	r.add(path, procedure{method: MethodMutation, call: fn})
}

func (r *Router) Subscription(path string, fn SubscriptionFunc) {
	r.add(path, procedure{method: MethodSubscription, stream: fn})
}

func (r *Router) lookup(method Method, path string) (procedure, *Error) {
	p, ok := r.procs[path]
	if !ok {
		return procedure{}, Errorf(CodeNotFound, "no procedure on path %q", path)
	}
	if p.method != method {
		return procedure{}, Errorf(CodeMethodNotSupported, "%q is a %s, not a %s", path, p.method, method)
	}
	return p, nil
}

// DecodeInput unmarshals a procedure input, reporting failures as
// BAD_REQUEST. Absent input leaves v untouched.
func DecodeInput(input json.RawMessage, v any) error {
	if len(input) == 0 || string(input) == "null" {
		return nil
	}
	if err := json.Unmarshal(input, v); err != nil {
		return &Error{Code: CodeBadRequest, Message: "invalid input", Err: err}
	}
	return nil
}
