// Package context carries correlation identifiers for billing runs through
// context.Context so logs can be joined across components.
package context

import "context"

type runIDKey struct{}
type subscriptionIDKey struct{}
type actorKey struct{}

type actor struct {
	actorType string
	actorID   string
}

func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

func RunIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}

func WithSubscriptionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, subscriptionIDKey{}, id)
}

func SubscriptionIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(subscriptionIDKey{}).(string); ok {
		return v
	}
	return ""
}

func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor{actorType: actorType, actorID: actorID})
}

func ActorFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	if v, ok := ctx.Value(actorKey{}).(actor); ok {
		return v.actorType, v.actorID
	}
	return "", ""
}
