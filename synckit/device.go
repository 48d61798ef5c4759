package synckit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c0deZ3R0/relsync/logging"
)

// DeviceIDKey is the LocalStorage key holding the installation identifier.
const DeviceIDKey = "device_id"

// newID returns "<epoch-ms>-<random>", sortable by creation time.
func newID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%d-%s", now.UnixMilli(), suffix)
}

// DeviceIdentity provides a stable identifier for this installation.
type DeviceIdentity struct {
	storage LocalStorage
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	cached string
}

// NewDeviceIdentity returns a provider persisting its identifier in storage.
func NewDeviceIdentity(storage LocalStorage, logger *slog.Logger) *DeviceIdentity {
	if logger == nil {
		logger = logging.WithComponent("device-identity").Logger
	}
	return &DeviceIdentity{storage: storage, logger: logger, now: time.Now}
}

// DeviceID returns the persisted identifier, generating and storing one on
// first use. When storage fails it returns a timestamp-only identifier for
// this call only; that value is neither cached nor persisted.
func (d *DeviceIdentity) DeviceID(ctx context.Context) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cached != "" {
		return d.cached
	}

	now := d.now()
	stored, ok, err := d.storage.Get(ctx, DeviceIDKey)
	if err != nil {
		d.logger.WarnContext(ctx, "device id unavailable, using ephemeral id", "error", err)
		return strconv.FormatInt(now.UnixMilli(), 10)
	}
	if ok && stored != "" {
		d.cached = stored
		return stored
	}

	id := newID(now)
	if err := d.storage.Set(ctx, DeviceIDKey, id); err != nil {
		d.logger.WarnContext(ctx, "failed to persist device id, using ephemeral id", "error", err)
		return strconv.FormatInt(now.UnixMilli(), 10)
	}
	d.logger.InfoContext(ctx, "generated device id", "device_id", id)
	d.cached = id
	return id
}
