package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldline/internal/apperr"
	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/events"
	"fieldline/internal/gate"
	"fieldline/internal/logger"
	"fieldline/internal/notify"
	"fieldline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Gate   *gate.Gate
	Notify notify.Fanout
	Log    *logger.Logger
	Now    func() time.Time
}

// New wires an engine over an already migrated connection. A nil cfg uses the
// built-in defaults.
func New(conn *sql.DB, cfg *config.Config) (Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	g, err := gate.New(cfg.Gate)
	if err != nil {
		return Engine{}, fmt.Errorf("compile disposition gate: %w", err)
	}
	r := repo.New(conn)
	return Engine{
		DB:     conn,
		Repo:   r,
		Events: events.Writer{Dialect: db.DialectOf(conn)},
		Config: cfg,
		Gate:   g,
		Notify: notify.Fanout{Repo: r},
		Log:    logger.Discard(),
		Now:    time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log(ctx context.Context) *logger.Logger {
	if e.Log == nil {
		return logger.Discard()
	}
	return e.Log.WithContext(ctx)
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	if err := w.Append(ctx, tx, evtType, entityKind, entityID, actorID, payload); err != nil {
		return apperr.Internal("append event "+evtType, err)
	}
	return nil
}

// storeErr passes typed errors through and tags everything else as internal.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.NotFound("not found").WithOp(op)
	}
	return apperr.Internal("store error", err).WithOp(op)
}

func validScope(scope domain.Scope) error {
	if strings.TrimSpace(scope.ID) == "" {
		return apperr.BadRequest("scope id is required")
	}
	if strings.TrimSpace(scope.AgentID) == "" {
		return apperr.BadRequest("scope agent is required")
	}
	return nil
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
