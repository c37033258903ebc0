package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/oraxen/licensing/internal/model"
)

type ProfileStore struct {
	db *sql.DB
}

func NewProfileStore(db *sql.DB) *ProfileStore {
	return &ProfileStore{db: db}
}

const profileCols = `id, email, full_name, avatar_url, discord_id, created_at, updated_at`

func scanProfile(scanner interface{ Scan(...any) error }) (*model.Profile, error) {
	var p model.Profile
	var fullName, avatarURL, discordID sql.NullString
	err := scanner.Scan(&p.ID, &p.Email, &fullName, &avatarURL, &discordID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if fullName.Valid {
		p.FullName = &fullName.String
	}
	if avatarURL.Valid {
		p.AvatarURL = &avatarURL.String
	}
	if discordID.Valid {
		p.DiscordID = &discordID.String
	}
	return &p, nil
}

func (s *ProfileStore) Create(id, email string, fullName, avatarURL *string) (*model.Profile, error) {
	_, err := s.db.Exec(
		`INSERT INTO profiles (id, email, full_name, avatar_url) VALUES (?, ?, ?, ?)`,
		id, email, nullable(fullName), nullable(avatarURL),
	)
	if err != nil {
		return nil, fmt.Errorf("insert profile: %w", err)
	}
	return s.GetByID(id)
}

func (s *ProfileStore) GetByID(id string) (*model.Profile, error) {
	row := s.db.QueryRow(`SELECT `+profileCols+` FROM profiles WHERE id = ?`, id)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

func (s *ProfileStore) GetByEmail(email string) (*model.Profile, error) {
	row := s.db.QueryRow(`SELECT `+profileCols+` FROM profiles WHERE email = ?`, email)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile by email: %w", err)
	}
	return p, nil
}

func (s *ProfileStore) SetDiscordID(id string, discordID *string) error {
	_, err := s.db.Exec(
		`UPDATE profiles SET discord_id = ?, updated_at = ? WHERE id = ?`,
		nullable(discordID), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set profile discord id: %w", err)
	}
	return nil
}
