package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/lizcirble/shakabackend/internal/apperr"
	"github.com/lizcirble/shakabackend/internal/identity"
	"gorm.io/gorm"
)

// ─────────────────────────────────────────────
// Errors
// ─────────────────────────────────────────────

var (
	ErrUserNotFound   = apperr.NotFound("auth", "user not found")
	ErrInvalidAPIKey  = apperr.Forbidden("auth", "invalid api key")
	ErrInvalidAddress = apperr.Validation("auth", "invalid payment address")
)

// ─────────────────────────────────────────────
// userService implements UserService
// ─────────────────────────────────────────────

type userService struct {
	db                *gorm.DB
	initialReputation int
}

// NewUserService creates a new UserService backed by the given DB.
// New accounts start with initialReputation.
func NewUserService(db *gorm.DB, initialReputation int) UserService {
	return &userService{db: db, initialReputation: initialReputation}
}

// UpsertFromIdentity signs a verified identity in.
func (s *userService) UpsertFromIdentity(ctx context.Context, id *identity.Identity) (*User, error) {
	if id == nil || id.ExternalID == "" {
		return nil, apperr.Validation("auth.UpsertFromIdentity", "identity has no external id")
	}
	addr := id.PrimaryAddress()
	if addr != "" && common.IsHexAddress(addr) {
		addr = common.HexToAddress(addr).Hex()
	} else {
		addr = ""
	}

	var user User
	err := s.db.WithContext(ctx).Where("external_id = ?", id.ExternalID).First(&user).Error
	if err == nil {
		now := time.Now()
		updates := map[string]any{"last_used_at": now}
		if user.PaymentAddress == "" && addr != "" {
			updates["payment_address"] = addr
			user.PaymentAddress = addr
		}
		if err := s.db.WithContext(ctx).Model(&user).Updates(updates).Error; err != nil {
			return nil, apperr.Dependency("auth.UpsertFromIdentity", err)
		}
		user.LastUsedAt = &now
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Dependency("auth.UpsertFromIdentity", err)
	}

	apiKey, err := generateAPIKey()
	if err != nil {
		return nil, err
	}
	externalID := id.ExternalID
	now := time.Now()
	user = User{
		ID:             uuid.NewString(),
		ExternalID:     &externalID,
		Email:          id.Email,
		Nickname:       nicknameFor(id),
		PaymentAddress: addr,
		APIKey:         apiKey,
		Status:         StatusActive,
		Reputation:     s.initialReputation,
		LastUsedAt:     &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		// Handle race condition: a concurrent sign-in may have created it
		var existing User
		if err2 := s.db.WithContext(ctx).Where("external_id = ?", id.ExternalID).First(&existing).Error; err2 == nil {
			return &existing, nil
		}
		return nil, apperr.Dependency("auth.UpsertFromIdentity", err)
	}
	return &user, nil
}

// GetByAPIKey looks up a user by API key.
func (s *userService) GetByAPIKey(ctx context.Context, apiKey string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).Where("api_key = ?", apiKey).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidAPIKey
		}
		return nil, apperr.Dependency("auth.GetByAPIKey", err)
	}
	return &user, nil
}

// GetByID retrieves a user by ID.
func (s *userService) GetByID(ctx context.Context, userID string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, apperr.Dependency("auth.GetByID", err)
	}
	return &user, nil
}

// ResetAPIKey regenerates the user's API key.
func (s *userService) ResetAPIKey(ctx context.Context, userID string) (*User, error) {
	user, err := s.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	newKey, err := generateAPIKey()
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(user).Updates(map[string]any{
		"api_key":    newKey,
		"updated_at": time.Now(),
	}).Error; err != nil {
		return nil, apperr.Dependency("auth.ResetAPIKey", err)
	}
	user.APIKey = newKey
	return user, nil
}

// SetStatus sets user account status.
func (s *userService) SetStatus(ctx context.Context, userID string, status UserStatus) error {
	if !status.Valid() {
		return apperr.Validation("auth.SetStatus", "unknown status %q", status)
	}
	result := s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"status":     status,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return apperr.Dependency("auth.SetStatus", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetPaymentAddress changes the payout destination.
func (s *userService) SetPaymentAddress(ctx context.Context, userID, address string) (*User, error) {
	if !common.IsHexAddress(address) {
		return nil, ErrInvalidAddress
	}
	checksummed := common.HexToAddress(address).Hex()
	result := s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"payment_address": checksummed,
			"updated_at":      time.Now(),
		})
	if result.Error != nil {
		return nil, apperr.Dependency("auth.SetPaymentAddress", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrUserNotFound
	}
	return s.GetByID(ctx, userID)
}

// ActiveWorkers lists candidate workers, highest reputation first.
func (s *userService) ActiveWorkers(ctx context.Context, exclude []string, limit int) ([]User, error) {
	q := s.db.WithContext(ctx).
		Where("status = ? AND payment_address <> ''", StatusActive)
	if len(exclude) > 0 {
		q = q.Where("id NOT IN ?", exclude)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var users []User
	if err := q.Order("reputation DESC, created_at ASC").Find(&users).Error; err != nil {
		return nil, apperr.Dependency("auth.ActiveWorkers", err)
	}
	return users, nil
}

// ─────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────

// generateAPIKey creates a new API key with "sk-" prefix.
func generateAPIKey() (string, error) {
	bytes := make([]byte, 24)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "sk-" + hex.EncodeToString(bytes), nil
}

func nicknameFor(id *identity.Identity) string {
	if id.Email != "" {
		if i := strings.Index(id.Email, "@"); i > 0 {
			return id.Email[:i]
		}
	}
	if addr := id.PrimaryAddress(); len(addr) >= 10 {
		return addr[:6] + "…" + addr[len(addr)-4:]
	}
	return "worker"
}
