package utils

import "sync"

// ChangeNotifier fans a change signal out to keyed observers. Observers are
// invoked off the caller's goroutine so it is safe to notify while the caller
// is about to take, or has just released, a mutation lock.
type ChangeNotifier struct {
	lock      sync.Mutex
	observers map[string]func()
}

func NewChangeNotifier() *ChangeNotifier {
	return &ChangeNotifier{
		observers: make(map[string]func()),
	}
}

func (n *ChangeNotifier) AddObserver(key string, onChanged func()) {
	n.lock.Lock()
	defer n.lock.Unlock()

	n.observers[key] = onChanged
}

func (n *ChangeNotifier) RemoveObserver(key string) {
	n.lock.Lock()
	defer n.lock.Unlock()

	delete(n.observers, key)
}

func (n *ChangeNotifier) HasObservers() bool {
	n.lock.Lock()
	defer n.lock.Unlock()

	return len(n.observers) > 0
}

func (n *ChangeNotifier) NotifyChanged() {
	n.lock.Lock()
	if len(n.observers) == 0 {
		n.lock.Unlock()
		return
	}
	observers := make([]func(), 0, len(n.observers))
	for _, f := range n.observers {
		observers = append(observers, f)
	}
	n.lock.Unlock()

	go func() {
		for _, f := range observers {
			f()
		}
	}()
}
