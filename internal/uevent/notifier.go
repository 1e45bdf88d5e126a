package uevent

// Notifier is a single-slot wake signal. Any number of Notify calls
// between two receives collapse into one wakeup.
type Notifier struct {
	ch chan struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{}, 1)}
}

// Notify never blocks.
func (n *Notifier) Notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// C returns the channel that receives wakeups.
func (n *Notifier) C() <-chan struct{} {
	return n.ch
}
