// Package router resolves an inbound request's session id and decides
// which account/model-override pair handles it, per spec §4.4.
package router

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/rakunlabs/swiftcast/internal/accountstore"
)

// RouteKind classifies how a request was resolved.
type RouteKind string

const (
	RouteExisting  RouteKind = "existing"
	RouteNew       RouteKind = "new"
	RouteNoSession RouteKind = "no_session"
)

// Decision is the outcome of Route: the account to use, an optional model
// override, and how the decision was reached.
type Decision struct {
	Account       accountstore.Account
	ModelOverride string
	Kind          RouteKind
}

const (
	envTodoID    = "THREADCAST_TODO_ID"
	envMissionID = "THREADCAST_MISSION_ID"
)

// ResolveSessionID implements spec §4.4's header priority: x-session-id,
// then x-request-id, then the prefix of sentry-trace up to its first "-".
// An empty header value is treated as absent (spec §8).
func ResolveSessionID(h http.Header) string {
	if v := strings.TrimSpace(h.Get("x-session-id")); v != "" {
		return v
	}
	if v := strings.TrimSpace(h.Get("x-request-id")); v != "" {
		return v
	}
	if v := strings.TrimSpace(h.Get("sentry-trace")); v != "" {
		if idx := strings.IndexByte(v, '-'); idx >= 0 {
			return v[:idx]
		}
		return v
	}
	return ""
}

// Route implements spec §4.4's three-way branch: existing session row,
// newly seen session id, or no session id at all.
func Route(ctx context.Context, store *accountstore.Store, sessionID string) (*Decision, error) {
	if sessionID != "" {
		existing, err := store.GetSessionConfig(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			acct, err := store.GetAccount(ctx, existing.AccountID)
			if err != nil {
				return nil, err
			}
			if acct == nil {
				return nil, accountStoreUnavailable()
			}
			return &Decision{Account: *acct, ModelOverride: existing.ModelOverride, Kind: RouteExisting}, nil
		}

		active, err := store.GetActiveAccount(ctx)
		if err != nil {
			return nil, err
		}

		if _, err := store.UpsertSessionConfig(ctx, sessionID, active.ID, ""); err != nil {
			return nil, err
		}

		if todoID := strings.TrimSpace(os.Getenv(envTodoID)); todoID != "" {
			mapping := accountstore.ExternalMapping{
				SessionID: sessionID,
				TodoID:    todoID,
				MissionID: strings.TrimSpace(os.Getenv(envMissionID)),
			}
			if err := store.SaveMapping(ctx, mapping); err != nil {
				return nil, err
			}
		}

		return &Decision{Account: *active, Kind: RouteNew}, nil
	}

	active, err := store.GetActiveAccount(ctx)
	if err != nil {
		return nil, err
	}
	return &Decision{Account: *active, Kind: RouteNoSession}, nil
}

func accountStoreUnavailable() error {
	return &accountstore.Error{Kind: accountstore.KindNoActiveAcct, Message: "session's account no longer exists"}
}
