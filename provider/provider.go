// Package provider defines the capability boundary to the external market
// data provider: raw field payloads, the fetch interface, and the error
// classification every implementation must honor.
package provider

import (
	"context"
	"time"
)

type PayloadKind string

const (
	PayloadQuote PayloadKind = "quote"
	PayloadFlow  PayloadKind = "flow"
	PayloadSeat  PayloadKind = "seat"
)

// Field is one raw field as delivered by the provider. Order matters:
// when two fields share a name, the later one is the fresher value.
type Field struct {
	Name  string
	Value any
}

// RawPayload is the provider response for one (entity, date) cell. Fields
// preserves arrival order and may contain duplicate names when two endpoints
// contributed to the same payload.
type RawPayload struct {
	EntityCode string
	TradeDate  time.Time
	Kind       PayloadKind
	Fields     []Field
}

func (p *RawPayload) Add(name string, value any) {
	p.Fields = append(p.Fields, Field{Name: name, Value: value})
}

// Get returns the last value recorded under name.
func (p RawPayload) Get(name string) (any, bool) {
	for i := len(p.Fields) - 1; i >= 0; i-- {
		if p.Fields[i].Name == name {
			return p.Fields[i].Value, true
		}
	}
	return nil, false
}

func (p RawPayload) Empty() bool { return len(p.Fields) == 0 }

// Entity is one listed instrument as reported by the provider directory.
type Entity struct {
	Code string
	Name string
}

// FetchClient is the provider capability the sync engine depends on.
// Implementations own the session lifecycle (login, keep-alive, re-login)
// and must classify every failure per errors.go.
type FetchClient interface {
	// FetchDailyQuote returns the daily quote payload for one code and date.
	// Suspended or unlisted cells surface as *NotFoundError.
	FetchDailyQuote(ctx context.Context, code string, date time.Time) (RawPayload, error)

	// FetchEventFeed returns the dragon-tiger payloads for one date: one
	// flow payload per listed code plus one seat payload per seat row.
	FetchEventFeed(ctx context.Context, date time.Time) ([]RawPayload, error)

	// ListEntities returns the current instrument directory.
	ListEntities(ctx context.Context) ([]Entity, error)

	// Relogin forces a fresh session. Used once per run when an auth error
	// surfaces mid-plan.
	Relogin(ctx context.Context) error

	// Close logs the session out.
	Close() error
}
