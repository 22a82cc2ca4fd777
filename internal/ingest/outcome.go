package ingest

import (
	"context"
	"time"

	"github.io/infrasutra/listrelay/internal/store"
)

type Disposition string

const (
	Delivered        Disposition = "delivered"
	Rejected         Disposition = "rejected"
	Suppressed       Disposition = "suppressed"
	Aborted          Disposition = "aborted"
	Ignored          Disposition = "ignored"
	AlreadyProcessed Disposition = "already_processed"
	// Deferred mail hit a store fault after the claim. The claim is released
	// and the caller is told to retry.
	Deferred Disposition = "deferred"
)

// Outcome is the terminal decision for one inbound email.
type Outcome struct {
	ID          string      `json:"id"`
	MessageID   string      `json:"messageId"`
	SiteID      int64       `json:"siteId,omitempty"`
	SiteHost    string      `json:"siteHost,omitempty"`
	From        string      `json:"from"`
	Subject     string      `json:"subject"`
	Disposition Disposition `json:"disposition"`
	Reason      string      `json:"reason,omitempty"`
	MessageIDs  []int64     `json:"messageIds,omitempty"`
	Delivered   int         `json:"delivered"`
	Failed      int         `json:"failed"`
	ReceivedAt  time.Time   `json:"receivedAt"`
}

type Observer interface {
	Observe(ctx context.Context, outcome Outcome) error
}

type ObserverFunc func(ctx context.Context, outcome Outcome) error

func (f ObserverFunc) Observe(ctx context.Context, outcome Outcome) error {
	return f(ctx, outcome)
}

// IngestionLog writes every outcome to the ingestions table.
func IngestionLog(st *store.Store) Observer {
	return ObserverFunc(func(ctx context.Context, o Outcome) error {
		return st.RecordIngestion(ctx, store.Ingestion{
			ID:              o.ID,
			HeaderMessageID: o.MessageID,
			SiteID:          o.SiteID,
			From:            o.From,
			Subject:         o.Subject,
			Disposition:     string(o.Disposition),
			Reason:          o.Reason,
			MessageIDs:      o.MessageIDs,
			Delivered:       o.Delivered,
			Failed:          o.Failed,
			CreatedAt:       o.ReceivedAt,
		})
	})
}
