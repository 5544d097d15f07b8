// Package dbctx bundles a request-scoped context with an optional GORM
// transaction handle so Store Adapter methods can participate in an
// ambient transaction without threading *gorm.DB through every call site.
package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context pairs a context.Context with the *gorm.DB that should be used
// for the call, which may be a transaction (Tx) or the base connection.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

// Background returns a Context with no transaction, suitable for calls
// outside any ambient unit of work.
func Background(tx *gorm.DB) Context {
	return Context{Ctx: context.Background(), Tx: tx}
}

// WithContext returns a copy of c using the given context.Context.
func (c Context) WithContext(ctx context.Context) Context {
	c.Ctx = ctx
	return c
}

// DB returns the *gorm.DB bound to this context, wired to c.Ctx via
// WithContext so cancellation and deadlines propagate into the driver.
func (c Context) DB() *gorm.DB {
	return c.Tx.WithContext(c.Ctx)
}
