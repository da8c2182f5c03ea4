// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package client is a Go client for the sync server's HTTP protocol.
//
// A typical replica loop:
//
//	res, err := c.AddVersion(ctx, clientID, last, segment)
//	if res.Conflict {
//	    // walk forward from last with GetChildVersion until ErrNoChild,
//	    // apply each segment locally, rebase, and retry with the new head
//	}
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianSync/services/syncserver/ledger"
	"github.com/AleutianAI/AleutianSync/services/syncserver/protocol"
)

// ErrNoChild is returned by GetChildVersion when the parent is the head.
var ErrNoChild = errors.New("no child version")

// StatusError is a non-success response other than 409 and 404.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sync server returned %d: %s", e.StatusCode, e.Message)
}

// AddVersionResult is the server's answer to an extension attempt.
type AddVersionResult struct {
	// Conflict is true when the parent was not the head.
	Conflict bool

	// VersionID is the accepted version's id. Set unless Conflict.
	VersionID ledger.VersionID

	// ExpectedParentVersionID is the head. Set when Conflict.
	ExpectedParentVersionID ledger.VersionID
}

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New returns a Client for baseURL with a 30 second request timeout.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}


// AddVersion proposes historySegment as the successor of parentVersionID.
func (c *Client) AddVersion(ctx context.Context, clientID ledger.ClientID, parentVersionID ledger.VersionID, historySegment []byte) (AddVersionResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+protocol.AddVersionPath(clientID, parentVersionID), bytes.NewReader(historySegment))
	if err != nil {
		return AddVersionResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", protocol.HistorySegmentContentType)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return AddVersionResult{}, fmt.Errorf("add version: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		id, err := ledger.ParseVersionID(resp.Header.Get(protocol.VersionIDHeader))
		if err != nil {
			return AddVersionResult{}, fmt.Errorf("bad %s header: %w", protocol.VersionIDHeader, err)
		}
		return AddVersionResult{VersionID: id}, nil
	case http.StatusConflict:
		id, err := ledger.ParseVersionID(resp.Header.Get(protocol.ParentVersionIDHeader))
		if err != nil {
			return AddVersionResult{}, fmt.Errorf("bad %s header: %w", protocol.ParentVersionIDHeader, err)
		}
		return AddVersionResult{Conflict: true, ExpectedParentVersionID: id}, nil
	default:
		return AddVersionResult{}, statusError(resp)
	}
}

// GetChildVersion fetches the version following parentVersionID.
func (c *Client) GetChildVersion(ctx context.Context, clientID ledger.ClientID, parentVersionID ledger.VersionID) (ledger.Version, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.BaseURL+protocol.ChildVersionPath(clientID, parentVersionID), nil)
	if err != nil {
		return ledger.Version{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return ledger.Version{}, fmt.Errorf("get child version: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ledger.Version{}, ErrNoChild
	default:
		return ledger.Version{}, statusError(resp)
	}

	id, err := ledger.ParseVersionID(resp.Header.Get(protocol.VersionIDHeader))
	if err != nil {
		return ledger.Version{}, fmt.Errorf("bad %s header: %w", protocol.VersionIDHeader, err)
	}
	parent, err := ledger.ParseVersionID(resp.Header.Get(protocol.ParentVersionIDHeader))
	if err != nil {
		return ledger.Version{}, fmt.Errorf("bad %s header: %w", protocol.ParentVersionIDHeader, err)
	}
	segment, err := io.ReadAll(resp.Body)
	if err != nil {
		return ledger.Version{}, fmt.Errorf("read segment: %w", err)
	}
	return ledger.Version{
		ID:              id,
		ClientID:        clientID,
		ParentVersionID: parent,
		HistorySegment:  segment,
	}, nil
}

// CatchUp returns every version after fromVersionID, oldest first.
func (c *Client) CatchUp(ctx context.Context, clientID ledger.ClientID, fromVersionID ledger.VersionID) ([]ledger.Version, error) {
	var versions []ledger.Version
	cursor := fromVersionID
	for {
		v, err := c.GetChildVersion(ctx, clientID, cursor)
		if errors.Is(err, ErrNoChild) {
			return versions, nil
		}
		if err != nil {
			return versions, err
		}
		versions = append(versions, v)
		cursor = v.ID
	}
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: msg}
}
