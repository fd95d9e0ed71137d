package auth

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	_ "modernc.org/sqlite"
)

// AuthStatus is the credential record stored by the Antigravity editor in
// its state database.
type AuthStatus struct {
	APIKey string `json:"apiKey"`
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
}

// ReadAuthStatus extracts the stored credential from an Antigravity
// state.vscdb file. The database is opened read-only so a running editor is
// not disturbed.
func ReadAuthStatus(dbPath string) (*AuthStatus, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("antigravity database not found at %s: %w", dbPath, err)
	}

	dsn := fmt.Sprintf("file:%s?mode=ro", url.PathEscape(dbPath))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open antigravity database: %w", err)
	}
	defer db.Close()

	var value string
	row := db.QueryRow(`SELECT value FROM ItemTable WHERE key = 'antigravityAuthStatus'`)
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("no auth status in antigravity database")
		}
		return nil, fmt.Errorf("read auth status: %w", err)
	}

	var status AuthStatus
	if err := json.Unmarshal([]byte(value), &status); err != nil {
		return nil, fmt.Errorf("parse auth status: %w", err)
	}
	if status.APIKey == "" {
		return nil, fmt.Errorf("auth status has no api key")
	}

	return &status, nil
}
