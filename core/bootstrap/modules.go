package bootstrap

import (
	"context"

	"github.com/jmoiron/sqlx"
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/shophost/core/botstore"
	coreconfig "github.com/m3rciful/shophost/core/config"
	"github.com/m3rciful/shophost/core/convstate"
	"github.com/m3rciful/shophost/core/jobs"
	"github.com/m3rciful/shophost/core/report"
	"github.com/m3rciful/shophost/core/scheduler"
	"github.com/m3rciful/shophost/core/telegram/middleware"
	"github.com/m3rciful/shophost/core/telegram/router"
	"github.com/m3rciful/shophost/core/telegram/sender"
)

// Seeder loads reference data after migrations.
type Seeder interface {
	Seed(ctx context.Context, db *sqlx.DB) error
}

// SeederFunc adapts a bare function to the Seeder interface.
type SeederFunc func(ctx context.Context, db *sqlx.DB) error

// Seed executes the underlying function.
func (f SeederFunc) Seed(ctx context.Context, db *sqlx.DB) error {
	return f(ctx, db)
}

// Services is the shared infrastructure handed to business modules.
type Services struct {
	Config    *coreconfig.Config
	Router    *router.Router
	Scheduler *scheduler.Scheduler
	Signals   *convstate.SignalStore
	Registry  *botstore.SQLRegistry
	Reporter  report.Reporter
	Outbox    *sender.Dispatcher
}

// Module registers business handlers with the host.
type Module interface {
	Install(ctx context.Context, svc *Services) error
}

// ModuleFunc adapts a function to the Module interface.
type ModuleFunc func(ctx context.Context, svc *Services) error

// Install executes the underlying function.
func (f ModuleFunc) Install(ctx context.Context, svc *Services) error {
	return f(ctx, svc)
}

// Modules groups optional hooks for seeding, handler and job registration.
type Modules struct {
	Seeders  []Seeder
	Handlers []Module
	Jobs     jobs.Handlers
	// Authorize enables the authorization layer of the chain.
	Authorize *middleware.AuthorizeOptions
	// OnLimited answers throttled events; nil drops them silently.
	OnLimited tele.HandlerFunc
}
