// Package notify sends desktop notifications for session events.
// It talks to the freedesktop notification service over the session bus
// and falls back to notify-send when the bus is not reachable.
package notify

import (
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/sessionctl/common"
)

const (
	appName = "sessionctl"

	busName    = "org.freedesktop.Notifications"
	objectPath = "/org/freedesktop/Notifications"
	notifyCall = "org.freedesktop.Notifications.Notify"

	// expireDefault lets the server pick the timeout.
	expireDefault = int32(-1)
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotificationInfo NotificationType = iota
	NotificationSuccess
	NotificationWarning
	NotificationError
)

// Notification represents a system notification
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	Icon    string
}

func (n Notification) icon() string {
	if n.Icon != "" {
		return n.Icon
	}
	switch n.Type {
	case NotificationSuccess:
		return "emblem-ok-symbolic"
	case NotificationWarning:
		return "dialog-warning"
	case NotificationError:
		return "dialog-error"
	default:
		return "network-vpn"
	}
}

// urgency uses the freedesktop levels: 0 low, 1 normal, 2 critical.
func (n Notification) urgency() byte {
	switch n.Type {
	case NotificationError:
		return 2
	case NotificationWarning:
		return 1
	default:
		return 0
	}
}

func (n Notification) urgencyName() string {
	return [...]string{"low", "normal", "critical"}[n.urgency()]
}

// Sender delivers a notification through one backend.
type Sender interface {
	Send(n Notification) error
}

// caller is the part of dbus.BusObject used here.
type caller interface {
	Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// DBusSender talks to org.freedesktop.Notifications. The bus connection is
// opened on first use.
type DBusSender struct {
	mu  sync.Mutex
	obj caller
}

func (d *DBusSender) object() (caller, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.obj != nil {
		return d.obj, nil
	}
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, err
	}
	d.obj = conn.Object(busName, dbus.ObjectPath(objectPath))
	return d.obj, nil
}

// Send implements Sender.
func (d *DBusSender) Send(n Notification) error {
	obj, err := d.object()
	if err != nil {
		return fmt.Errorf("session bus: %w", err)
	}
	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(n.urgency()),
	}
	call := obj.Call(notifyCall, 0,
		appName, uint32(0), n.icon(), n.Title, n.Message,
		[]string{}, hints, expireDefault)
	if call.Err != nil {
		return call.Err
	}
	var id uint32
	return call.Store(&id)
}

// CommandSender runs notify-send.
type CommandSender struct {
	Path string
	run  func(name string, args ...string) error
}

// Send implements Sender.
func (c *CommandSender) Send(n Notification) error {
	path := c.Path
	if path == "" {
		path = "notify-send"
	}
	run := c.run
	if run == nil {
		run = func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		}
	}
	return run(path,
		"--app-name="+appName,
		"--icon="+n.icon(),
		"--urgency="+n.urgencyName(),
		n.Title,
		n.Message,
	)
}

// Notifier tries each sender in order until one succeeds.
// It implements common.Notifier.
type Notifier struct {
	senders []Sender
}

var _ common.Notifier = (*Notifier)(nil)

// New returns a notifier using the session bus, then notify-send.
func New() *Notifier {
	return NewWithSenders(&DBusSender{}, &CommandSender{})
}

// NewWithSenders returns a notifier over the given senders.
func NewWithSenders(senders ...Sender) *Notifier {
	return &Notifier{senders: senders}
}

// Show displays n.
func (nt *Notifier) Show(n Notification) error {
	var errs []error
	for _, s := range nt.senders {
		err := s.Send(n)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return errors.New("no notification backend configured")
	}
	err := errors.Join(errs...)
	common.LogDebug("Error showing notification: %v", err)
	return err
}

// Notify implements common.Notifier with an informational notification.
func (nt *Notifier) Notify(title, message string) error {
	return nt.Show(Notification{Title: title, Message: message, Type: NotificationInfo})
}

// NotifyError shows a critical notification.
func (nt *Notifier) NotifyError(title, message string) error {
	return nt.Show(Notification{Title: title, Message: message, Type: NotificationError})
}
