package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"volunteerops/internal/domain"
	"volunteerops/internal/repo"
)

// Permissions checked by the API and the bot.
const (
	PermTaskRespond    = "task.respond"
	PermTaskManage     = "task.manage"
	PermPhotoSubmit    = "photo.submit"
	PermPhotoModerate  = "photo.moderate"
	PermCampaignLaunch = "campaign.launch"
	PermUserManage     = "user.manage"
)

var rolePermissions = map[string][]string{
	domain.RoleVolunteer: {PermTaskRespond, PermPhotoSubmit},
	domain.RoleOrganizer: {PermTaskRespond, PermPhotoSubmit, PermTaskManage, PermPhotoModerate, PermCampaignLaunch},
	domain.RoleAdmin:     {PermTaskRespond, PermPhotoSubmit, PermTaskManage, PermPhotoModerate, PermCampaignLaunch, PermUserManage},
}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service resolves a user's role into permissions.
type Service struct {
	Repo repo.Repo
}

// Permissions lists what a role may do.
func Permissions(role string) []string {
	return append([]string(nil), rolePermissions[role]...)
}

func RoleHas(role, perm string) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// UserPermissions returns the user's role and its permissions. Unknown users
// have none.
func (s Service) UserPermissions(ctx context.Context, userID string) (string, []string, error) {
	u, err := s.Repo.GetUser(ctx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	return u.Role, Permissions(u.Role), nil
}

// Require fails with ForbiddenError unless the user's role grants perm.
func (s Service) Require(ctx context.Context, userID, perm string) error {
	role, _, err := s.UserPermissions(ctx, userID)
	if err != nil {
		return err
	}
	if !RoleHas(role, perm) {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

// RequireProject additionally checks that a manager organizes the project.
func (s Service) RequireProject(ctx context.Context, projectID, userID, perm string) error {
	if err := s.Require(ctx, userID, perm); err != nil {
		return err
	}
	ok, err := s.Repo.CanManageProject(ctx, projectID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

// ErrInvalidAPIKey is returned for unknown keys.
var ErrInvalidAPIKey = errors.New("invalid api key")

const apiKeyPrefix = "vo_"

// CreateAPIKey issues a key for an existing user. The plain key is returned
// once and only its hash is stored.
func (s Service) CreateAPIKey(ctx context.Context, userID, name string) (string, domain.APIKey, error) {
	if _, err := s.Repo.GetUser(ctx, userID); err != nil {
		return "", domain.APIKey{}, err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	secret := apiKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.Repo.InsertAPIKey(ctx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	return secret, key, nil
}

// AuthenticateAPIKey resolves a plain key to its owner.
func (s Service) AuthenticateAPIKey(ctx context.Context, secret string) (string, error) {
	if secret == "" {
		return "", ErrInvalidAPIKey
	}
	key, err := s.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(secret))
	if errors.Is(err, repo.ErrNotFound) {
		return "", ErrInvalidAPIKey
	}
	if err != nil {
		return "", err
	}
	_ = s.Repo.TouchAPIKey(ctx, key.ID, time.Now().UTC().Format(time.RFC3339))
	return key.UserID, nil
}
