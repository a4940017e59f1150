package streaming

import "context"

// Notifier pushes device-facing hints on top of a Publisher. Devices still
// learn their work by polling; the notification only shortens the wait.
type Notifier struct {
	pub Publisher
}

func NewNotifier(pub Publisher) *Notifier {
	return &Notifier{pub: pub}
}

func (n *Notifier) NotifyAssignment(ctx context.Context, ev TargetAssigned) error {
	return n.pub.Publish(ctx, TopicTargetAssigned, ev)
}

func (n *Notifier) NotifyCancel(ctx context.Context, ev CancelTargetAssignment) error {
	return n.pub.Publish(ctx, TopicCancelAction, ev)
}
