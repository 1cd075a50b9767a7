// Package stubs holds demo users and chats for local development.
package stubs

import (
	"context"
	"fmt"

	"kolokol/internal/models"
)

type Store interface {
	UpsertUser(ctx context.Context, user models.User) error
	UpsertChat(ctx context.Context, chat models.Chat) error
}

var Users = []models.User{
	{ID: "1", UserName: "alice", DisplayName: "Alice", AvatarURL: "https://api.dicebear.com/7.x/avataaars/svg?seed=Alice", Presence: models.Presence{Status: models.PresenceOffline}},
	{ID: "2", UserName: "bob", DisplayName: "Bob", AvatarURL: "https://api.dicebear.com/7.x/avataaars/svg?seed=Bob", Presence: models.Presence{Status: models.PresenceOffline}},
	{ID: "3", UserName: "charlie", DisplayName: "Charlie", AvatarURL: "https://api.dicebear.com/7.x/avataaars/svg?seed=Charlie", Presence: models.Presence{Status: models.PresenceOffline}},
}

var Chats = []models.Chat{
	{ID: "townhall", Name: "Townhall", Members: []string{"1", "2", "3"}},
	{ID: "dm_1_2", IsDM: true, Members: []string{"1", "2"}},
	{ID: "dm_1_3", IsDM: true, Members: []string{"1", "3"}},
}

// Seed stores the demo data. Existing records with the same IDs are
// overwritten, message history is kept.
func Seed(ctx context.Context, store Store) error {
	for _, u := range Users {
		if err := store.UpsertUser(ctx, u); err != nil {
			return fmt.Errorf("seed user %s: %w", u.ID, err)
		}
	}
	for _, c := range Chats {
		if err := store.UpsertChat(ctx, c); err != nil {
			return fmt.Errorf("seed chat %s: %w", c.ID, err)
		}
	}
	return nil
}
