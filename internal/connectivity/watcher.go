package connectivity

import (
	"context"
	"net"
	"sort"
	"strings"
	"time"
)

const defaultWatchInterval = 5 * time.Second

// HostSignals receives host-level network transitions.
type HostSignals interface {
	HostUp()
	HostDown()
}

// InterfaceWatcher turns changes in the host's active network interfaces into host signals.
type InterfaceWatcher struct {
	signals    HostSignals
	interval   time.Duration
	interfaces func() ([]net.Interface, error)
}

// NewInterfaceWatcher constructs a watcher polling net.Interfaces.
func NewInterfaceWatcher(signals HostSignals, interval time.Duration) *InterfaceWatcher {
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	return &InterfaceWatcher{signals: signals, interval: interval, interfaces: net.Interfaces}
}

// Run polls until ctx is cancelled.
func (w *InterfaceWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	previous, _ := w.activeSet()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current, err := w.activeSet()
			if err != nil {
				continue
			}
			w.compare(previous, current)
			previous = current
		}
	}
}

func (w *InterfaceWatcher) compare(previous, current string) {
	if previous == current {
		return
	}
	if current == "" {
		w.signals.HostDown()
		return
	}
	w.signals.HostUp()
}

func (w *InterfaceWatcher) activeSet() (string, error) {
	interfaces, err := w.interfaces()
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(interfaces))
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		names = append(names, iface.Name)
	}
	sort.Strings(names)
	return strings.Join(names, ","), nil
}
