package copilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	postgresNotifyChannelChannelsUpdated = "copilot_channels_updated"
	notifierRetryDelay                   = 5 * time.Second
)

// DBNotifier announces allowed channel changes to every running bot
// instance, so their channel caches don't wait out the TTL.
type DBNotifier interface {
	// ID identifies this notifier. Notifications carry the sender's ID,
	// so instances can ignore their own.
	ID() string

	// ChannelsUpdated announces that the allowed channel list changed.
	// The local instance is always notified, other instances are
	// notified when the database supports it.
	ChannelsUpdated(ctx context.Context) bool

	// Listen calls onUpdate for each announcement, until ctx is done.
	Listen(ctx context.Context, onUpdate func()) error
}

func newDBNotifier(
	databaseType string,
	dsn string,
	db *gorm.DB,
	logger *slog.Logger,
) (DBNotifier, error) {
	log := logger.With(loggerNameKey, "db_notifier")
	local := &localNotifier{
		id:      uuid.NewString(),
		logger:  log,
		updates: make(chan struct{}, 1),
	}

	switch databaseType {
	case dbTypeSQLite:
		return local, nil
	case dbTypePostgres:
		return &postgresNotifier{
			localNotifier: local,
			db:            db,
			dsn:           dsn,
		}, nil
	default:
		return nil, fmt.Errorf("invalid database type: %q", databaseType)
	}
}

// localNotifier only notifies the current process. Used with sqlite,
// where the admin API and the bot always share a process.
type localNotifier struct {
	id      string
	logger  *slog.Logger
	updates chan struct{}
}

func (n *localNotifier) ID() string {
	return n.id
}

func (n *localNotifier) ChannelsUpdated(_ context.Context) bool {
	select {
	case n.updates <- struct{}{}:
		n.logger.Debug("queued channel update notification")
	default:
		// an update is already pending, which covers this one
	}
	return true
}

func (n *localNotifier) Listen(ctx context.Context, onUpdate func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-n.updates:
			onUpdate()
		}
	}
}

// postgresNotifier uses LISTEN/NOTIFY, which also reaches other
// instances sharing the database.
type postgresNotifier struct {
	*localNotifier
	db  *gorm.DB
	dsn string
}

func (p *postgresNotifier) ChannelsUpdated(ctx context.Context) bool {
	p.localNotifier.ChannelsUpdated(ctx)

	err := p.db.WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		postgresNotifyChannelChannelsUpdated,
		p.ID(),
	).Error
	if err != nil {
		p.logger.ErrorContext(ctx, "Error sending NOTIFY for channel update", tint.Err(err))
		return false
	}
	p.logger.InfoContext(ctx, "sent channel update notification", "notify_id", p.ID())
	return true
}

func (p *postgresNotifier) Listen(ctx context.Context, onUpdate func()) error {
	go func() {
		_ = p.localNotifier.Listen(ctx, onUpdate)
	}()

	config, err := pgxpool.ParseConfig(p.dsn)
	if err != nil {
		return fmt.Errorf("error parsing database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("error creating connection pool: %w", err)
	}
	defer pool.Close()

	logger := p.logger.With("channel", postgresNotifyChannelChannelsUpdated)

	for ctx.Err() == nil {
		if err = p.listen(ctx, pool, logger, onUpdate); err != nil && ctx.Err() == nil {
			logger.ErrorContext(ctx, "listener failed, retrying", tint.Err(err))
			select {
			case <-ctx.Done():
			case <-time.After(notifierRetryDelay):
			}
		}
	}
	return nil
}

func (p *postgresNotifier) listen(
	ctx context.Context,
	pool *pgxpool.Pool,
	logger *slog.Logger,
	onUpdate func(),
) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, "LISTEN "+postgresNotifyChannelChannelsUpdated); err != nil {
		return fmt.Errorf("error setting up listener: %w", err)
	}
	logger.InfoContext(ctx, "Started listening on channel")

	for {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if errors.Is(e, context.Canceled) || errors.Is(e, context.DeadlineExceeded) {
				return nil
			}
			return e
		}
		if notification.Payload == p.ID() {
			logger.DebugContext(ctx, "Received notification from self, ignoring")
			continue
		}
		logger.InfoContext(
			ctx,
			"Received channel update notification",
			"notify_id", notification.Payload,
		)
		onUpdate()
	}
}
