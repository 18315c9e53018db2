package models

import (
	"time"
)

// FlowPageData is one row per (session, group, page): the page's private
// state blob and its position in the session's current layout.
//
// Ordinal is nil for pages that are not currently laid out (e.g. shuffled
// out after a content change). Non-nil ordinals within a session form a
// contiguous 0-based sequence.
type FlowPageData struct {
	ID            string          `db:"id" json:"id"`
	FlowSessionID string          `db:"flow_session_id" json:"flow_session_id"`
	GroupID       string          `db:"group_id" json:"group_id"`
	PageID        string          `db:"page_id" json:"page_id"`
	PageType      string          `db:"page_type" json:"page_type"`
	Ordinal       *int            `db:"ordinal" json:"ordinal,omitempty"`
	Title         string          `db:"title" json:"title"`
	Data          RawJSON         `db:"data" json:"data,omitempty"`
	Bookmarked    bool            `db:"bookmarked" json:"bookmarked"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// LaidOut reports whether the page is part of the session's current layout.
func (d *FlowPageData) LaidOut() bool {
	return d.Ordinal != nil
}
