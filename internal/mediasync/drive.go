/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package mediasync keeps each language's local media directory in step
// with its shared drive folder, optionally mirroring downloads to S3.
package mediasync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const driveAPIBase = "https://www.googleapis.com/drive/v3"

// DriveFile is one remote file as listed by the drive API.
type DriveFile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
}

type driveListResponse struct {
	Files         []DriveFile `json:"files"`
	NextPageToken string      `json:"nextPageToken"`
}

// DriveClient talks to the Google Drive REST API with an API key. Only
// folders shared "anyone with the link" are reachable this way, which is
// how broadcast media folders are set up.
type DriveClient struct {
	http    *http.Client
	baseURL string
}

// NewDriveClient creates a drive client.
func NewDriveClient() *DriveClient {
	return &DriveClient{
		http:    &http.Client{Timeout: 60 * time.Second},
		baseURL: driveAPIBase,
	}
}

// List returns every file directly inside folder driveID, following
// pagination.
func (c *DriveClient) List(ctx context.Context, apiKey, driveID string) ([]DriveFile, error) {
	var out []DriveFile
	pageToken := ""

	for {
		q := url.Values{}
		q.Set("q", fmt.Sprintf("'%s' in parents", driveID))
		q.Set("key", apiKey)
		q.Set("fields", "nextPageToken,files(id,name,mimeType)")
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/files?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("list drive folder %s: %w", driveID, err)
		}

		var page driveListResponse
		err = func() error {
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				return fmt.Errorf("list drive folder %s: status %d: %s", driveID, resp.StatusCode, body)
			}
			return json.NewDecoder(resp.Body).Decode(&page)
		}()
		if err != nil {
			return nil, err
		}

		out = append(out, page.Files...)
		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

// Download streams one file's content to w.
func (c *DriveClient) Download(ctx context.Context, apiKey, fileID string, w io.Writer) (int64, error) {
	q := url.Values{}
	q.Set("alt", "media")
	q.Set("key", apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/files/%s?%s", c.baseURL, url.PathEscape(fileID), q.Encode()), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", fileID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("download %s: status %d: %s", fileID, resp.StatusCode, body)
	}
	return io.Copy(w, resp.Body)
}
