// Package notify delivers fire-and-forget notifications about family
// requests. Failures are logged and never reach the graph operations.
package notify

import (
	"context"
	"errors"
	"fmt"
)

// Kind names the event a notification reports
type Kind string

const (
	KindRequestCreated  Kind = "request-created"
	KindRequestAccepted Kind = "request-accepted"
	KindRequestDeclined Kind = "request-declined"
)

// Notification is addressed to one recipient
type Notification struct {
	Kind               Kind
	RecipientAccountID string
	RecipientEmail     string
	RecipientName      string
	RequestID          string
	ActorName          string // who triggered the event
	ActorEmail         string
	RelationshipLabel  string
}

// Notifier delivers a notification
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Multi fans a notification out to every notifier and joins their errors
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func actor(n Notification) string {
	switch {
	case n.ActorName != "" && n.ActorEmail != "":
		return fmt.Sprintf("%s (%s)", n.ActorName, n.ActorEmail)
	case n.ActorName != "":
		return n.ActorName
	case n.ActorEmail != "":
		return n.ActorEmail
	default:
		return "Someone"
	}
}

// Render returns a subject line and plain-text body for n
func Render(n Notification) (subject, body string) {
	who := actor(n)
	switch n.Kind {
	case KindRequestCreated:
		return "New family network request",
			fmt.Sprintf("%s wants to add you to their family network as their %s.", who, n.RelationshipLabel)
	case KindRequestAccepted:
		return "Family network request accepted",
			fmt.Sprintf("%s accepted your family network request (%s).", who, n.RelationshipLabel)
	case KindRequestDeclined:
		return "Family network request declined",
			fmt.Sprintf("%s declined your family network request (%s).", who, n.RelationshipLabel)
	default:
		return "Family network update", fmt.Sprintf("%s updated a family network request.", who)
	}
}
