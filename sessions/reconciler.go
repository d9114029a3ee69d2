package sessions

import (
	"context"

	"github.com/ggoodman/estate-realtime/chat"
	"github.com/ggoodman/estate-realtime/notify"
)

// Reconciler fetches the authoritative state a session merges after it may
// have missed live events.
type Reconciler interface {
	// LatestMessages returns the newest page of a conversation, ascending.
	LatestMessages(ctx context.Context, userID, conversationID string) ([]chat.Message, error)
	// LatestNotifications returns the newest page of userID's feed.
	LatestNotifications(ctx context.Context, userID string) ([]notify.Record, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
}

// ServiceReconciler reads straight from the chat service and the
// notification dispatcher. Server-side sessions use it.
type ServiceReconciler struct {
	Chat   *chat.Service
	Notify *notify.Dispatcher
	// PageSize bounds each fetch; zero uses the services' defaults.
	PageSize int
}

func (r ServiceReconciler) LatestMessages(ctx context.Context, userID, conversationID string) ([]chat.Message, error) {
	return r.Chat.FetchPage(ctx, userID, conversationID, r.PageSize, nil)
}

func (r ServiceReconciler) LatestNotifications(ctx context.Context, userID string) ([]notify.Record, error) {
	page, err := r.Notify.List(ctx, userID, 0, r.PageSize)
	if err != nil {
		return nil, err
	}
	return page.Records, nil
}

func (r ServiceReconciler) UnreadCount(ctx context.Context, userID string) (int, error) {
	return r.Notify.UnreadCount(ctx, userID)
}

var _ Reconciler = ServiceReconciler{}
