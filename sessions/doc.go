// Package sessions keeps one client connection's live view of the
// messaging system consistent with the server.
//
// A Session subscribes through a Link to the user's own topic and to each
// conversation the client has mounted. Incoming events are merged into a
// per-conversation timeline and a notification feed keyed by ID, so
// duplicate deliveries are dropped and message states only move forward.
//
// Live delivery is best effort. Whenever the link drops, Reconnect
// resubscribes every topic with exponential backoff and then calls
// Reconcile, which re-fetches the newest page of each watched conversation
// and of the feed through a Reconciler and merges them. The unread counter
// is additionally reset to the server's count on a fixed interval.
//
// A Manager tracks the sessions of one process. When configured with a
// storage backend it records each session's watched conversations so a
// client that reconnects to another node can Resume where it left off.
package sessions
