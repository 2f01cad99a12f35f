package controller

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FileID identifies a file on the control plane. The API reports it as a
// JSON number; strings are accepted as well.
type FileID string

// UnmarshalJSON accepts a JSON number or string.
func (id *FileID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = FileID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("file id must be a number or string: %w", err)
	}
	*id = FileID(n.String())
	return nil
}

// FileSummary is an entry of GET /files
type FileSummary struct {
	ID       FileID `json:"id"`
	Name     string `json:"name"`
	Deployed bool   `json:"deployed"`
}

// File is the response of GET /files/{id}. Source and Draft are base64.
type File struct {
	ID     FileID `json:"id"`
	Name   string `json:"name"`
	SHA    string `json:"sha"`
	Source string `json:"source"`
	Draft  string `json:"draft"`
}

type loginRequest struct {
	Org string `json:"Org"`
}

type loginResponse struct {
	AccessToken string `json:"accessToken"`
}
