package auth

import (
	"context"
	"fmt"

	"talkline/internal/remote"
)

// Profile is the remote user record at users/<userId>. One record per user;
// UserID is the provider-assigned stable identity, never user-supplied.
type Profile struct {
	UserID      string `json:"userId"`
	PhoneNumber string `json:"phoneNumber"`
	Name        string `json:"name,omitempty"`
	Status      string `json:"status,omitempty"`
	// ProfileImage is the base64-encoded image, empty when unset.
	ProfileImage string `json:"profileImage,omitempty"`
}

// ProfileRepository reads and writes profiles through the store.
type ProfileRepository struct {
	store remote.Store
}

// NewProfileRepository returns a ProfileRepository backed by store.
func NewProfileRepository(store remote.Store) *ProfileRepository {
	return &ProfileRepository{store: store}
}

func profilePath(userID string) string {
	return remote.Join("users", userID)
}

// Fetch returns the profile for userID. A missing profile is not an error;
// found reports whether one exists.
func (r *ProfileRepository) Fetch(ctx context.Context, userID string) (Profile, bool, error) {
	snap, err := r.store.Read(ctx, profilePath(userID))
	if err != nil {
		return Profile{}, false, fmt.Errorf("fetch profile %s: %w", userID, err)
	}
	if !snap.Exists() {
		return Profile{}, false, nil
	}
	var p Profile
	if err := snap.Unmarshal(&p); err != nil {
		return Profile{}, false, fmt.Errorf("decode profile %s: %w", userID, err)
	}
	return p, true, nil
}

// Save replaces the full profile record for p.UserID.
func (r *ProfileRepository) Save(ctx context.Context, p Profile) error {
	if err := r.store.Write(ctx, profilePath(p.UserID), p); err != nil {
		return fmt.Errorf("save profile %s: %w", p.UserID, err)
	}
	return nil
}
