package realtime

import (
	"context"
	"log/slog"

	"github.com/roach88/possync/internal/pos"
)

// Identity is the signed-in user of this device.
type Identity struct {
	UserID string
	Admin  bool
}

// SaleNotice is what admins are told about a sale rung up elsewhere.
type SaleNotice struct {
	SaleID string
	UserID string
	Total  string
}

// Notifier delivers admin alerts. Delivery itself is out of scope; the
// CLI wires a logging notifier.
type Notifier interface {
	NotifyAdmins(ctx context.Context, n SaleNotice) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n SaleNotice) error

// NotifyAdmins calls f.
func (f NotifierFunc) NotifyAdmins(ctx context.Context, n SaleNotice) error {
	return f(ctx, n)
}

// AdminWatcher raises a notice when, on an admin's device, a sale insert
// arrives attributed to a different user.
type AdminWatcher struct {
	identity func() Identity
	notifier Notifier
	logger   *slog.Logger
}

// NewAdminWatcher creates a watcher. identity is read on every change so
// sign-in changes apply without a restart.
func NewAdminWatcher(identity func() Identity, n Notifier, logger *slog.Logger) *AdminWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminWatcher{identity: identity, notifier: n, logger: logger.With("component", "admin-watcher")}
}

// HandleChange implements Handler. Notification failures are logged.
func (w *AdminWatcher) HandleChange(ctx context.Context, c Change) {
	notice, ok := w.match(c)
	if !ok {
		return
	}
	if err := w.notifier.NotifyAdmins(ctx, notice); err != nil {
		w.logger.Warn("admin notification failed", "sale_id", notice.SaleID, "error", err)
	}
}

func (w *AdminWatcher) match(c Change) (SaleNotice, bool) {
	if c.Table != pos.TableSales || c.Type != EventInsert {
		return SaleNotice{}, false
	}
	me := w.identity()
	if !me.Admin {
		return SaleNotice{}, false
	}
	seller := c.StringField("user_id")
	if seller == "" || seller == me.UserID {
		return SaleNotice{}, false
	}
	return SaleNotice{
		SaleID: c.StringField("id"),
		UserID: seller,
		Total:  c.StringField("total"),
	}, true
}
