package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"tableflow/syncd/internal/auth"
	"tableflow/syncd/internal/rooms"
)

// fileDirectory is the standalone-mode user directory: a JSON roster
// loaded once at startup. Deployments with a real user service replace
// this with their own auth.Directory.
type fileDirectory struct {
	mu    sync.RWMutex
	users map[string]*auth.User
}

type rosterEntry struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	Active bool   `json:"active"`
}

// loadFileDirectory reads the roster file and indexes it by user id.
func loadFileDirectory(path string) (*fileDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}
	var entries []rosterEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse users file: %w", err)
	}

	users := make(map[string]*auth.User, len(entries))
	for _, entry := range entries {
		if entry.ID == "" {
			continue
		}
		role, err := rooms.ParseRole(entry.Role)
		if err != nil {
			return nil, fmt.Errorf("user %q: %w", entry.ID, err)
		}
		users[entry.ID] = &auth.User{
			ID:     entry.ID,
			Email:  entry.Email,
			Name:   entry.Name,
			Role:   role,
			Active: entry.Active,
		}
	}
	return &fileDirectory{users: users}, nil
}

// FindUserByID implements auth.Directory.
func (d *fileDirectory) FindUserByID(_ context.Context, id string) (*auth.User, error) {
	if d == nil {
		return nil, auth.ErrUnknownUser
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	user, ok := d.users[id]
	if !ok {
		return nil, auth.ErrUnknownUser
	}
	clone := *user
	return &clone, nil
}
