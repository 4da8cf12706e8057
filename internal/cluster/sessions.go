// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package cluster

import (
	"context"
	"fmt"
	"sort"

	"github.com/westerndigitalcorporation/testfs/internal/core"
)

// Session is one client session as reported by a metadata daemon.
type Session struct {
	ID             int64                  `json:"id"`
	State          string                 `json:"state"`
	Reconnecting   bool                   `json:"reconnecting"`
	NumCaps        int                    `json:"num_caps"`
	Inst           string                 `json:"inst"`
	ClientMetadata map[string]interface{} `json:"client_metadata,omitempty"`
}

// SessionLister fetches the live session table.
type SessionLister interface {
	ListSessions(ctx context.Context) ([]Session, error)
}

// SessionObserver asserts on the session table. Every assertion is a single
// authoritative check against one snapshot, it never retries.
type SessionObserver struct {
	lister SessionLister
}

// NewSessionObserver returns a SessionObserver reading from lister.
func NewSessionObserver(lister SessionLister) *SessionObserver {
	return &SessionObserver{lister: lister}
}

// ListSessions fetches a fresh snapshot of the session table.
func (o *SessionObserver) ListSessions(ctx context.Context) ([]Session, error) {
	return o.lister.ListSessions(ctx)
}

// AssertSessionCount checks that the snapshot has exactly expected
// sessions. If data is nil a fresh snapshot is fetched.
func (o *SessionObserver) AssertSessionCount(ctx context.Context, expected int, data []Session) error {
	if data == nil {
		var err error
		if data, err = o.lister.ListSessions(ctx); err != nil {
			return err
		}
	}
	if len(data) != expected {
		return &core.AssertionError{
			Msg:      fmt.Sprintf("session count (sessions %v)", SessionIDs(data)),
			Expected: expected,
			Actual:   len(data),
		}
	}
	return nil
}

// GetSession returns the session with the given id from a fresh snapshot,
// or a *core.SessionNotFoundError.
func (o *SessionObserver) GetSession(ctx context.Context, id int64) (*Session, error) {
	sessions, err := o.lister.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	return findSession(sessions, id)
}

// AssertSessionState checks that the session with the given id is in
// state. An absent session fails the check with actual value "<absent>".
func (o *SessionObserver) AssertSessionState(ctx context.Context, id int64, state string) error {
	s, err := o.GetSession(ctx, id)
	if _, ok := err.(*core.SessionNotFoundError); ok {
		return &core.AssertionError{Msg: fmt.Sprintf("state of session %d", id), Expected: state, Actual: "<absent>"}
	}
	if err != nil {
		return err
	}
	if s.State != state {
		return &core.AssertionError{Msg: fmt.Sprintf("state of session %d", id), Expected: state, Actual: s.State}
	}
	return nil
}

func findSession(sessions []Session, id int64) (*Session, error) {
	for i := range sessions {
		if sessions[i].ID == id {
			return &sessions[i], nil
		}
	}
	return nil, &core.SessionNotFoundError{ID: id}
}

// SessionIDs returns the sorted ids in a snapshot.
func SessionIDs(sessions []Session) []int64 {
	ids := make([]int64, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
