package api

import "context"

// Node is an Xray worker registered on the panel whose log stream is
// subscribed to.
type Node struct {
	ID      int
	Name    string
	Address string
	Port    int
	Status  string
	Message string
}

// User is a single parsed log frame: one (user, ip, node, inbound)
// observation at a moment in time. Node is filled in by the subscriber before
// enqueueing; the rest is immutable after parsing.
type User struct {
	Name     string
	IP       string
	Node     string
	Inbound  string
	Accepted string
}

// UserLimit is the resolved concurrent-IP limit for a user. Limit == 0 means
// no enforcement for this user.
type UserLimit struct {
	Name  string
	Limit int
}

// ReplyAction is an inline action attached to a notification, e.g. an
// "Unban IP" button whose callback carries the banned IP.
type ReplyAction struct {
	Label        string
	CallbackData string
}

// Notifier delivers operator notifications. Delivery is best-effort and must
// never block or fail enforcement.
type Notifier interface {
	Notify(message string)
	NotifyWithAction(message string, action ReplyAction)
}

// NodeBanner is the per-node ban transport. Idempotence is not required; the
// check service guarantees at most one ban per (name, ip) per violation
// episode by removing the observation in the same step.
type NodeBanner interface {
	BanUser(ctx context.Context, user *User) error
}

// Banner fans a ban out to every registered node. Per-node failures are
// logged and swallowed by the implementation.
type Banner interface {
	BanUser(ctx context.Context, user *User)
}

// ExceptedIPs answers whether an IP is configured to be ignored by the
// enforcement logic. The backing store is maintained by a collaborator.
type ExceptedIPs interface {
	IsExcepted(ip string) bool
}
