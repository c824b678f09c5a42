package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/concordchat/concord/internal/gateway"
	"github.com/concordchat/concord/internal/permissions"
	"github.com/concordchat/concord/internal/snowflake"
)

// ErrTokenInvalid covers unknown, expired, and revoked tokens alike so the
// caller cannot distinguish which, only that authentication failed.
var ErrTokenInvalid = errors.New("store: token invalid")

// Store is the read-side adapter behind the gateway's collaborator
// interfaces: Authenticator, Directory, and permissions.Source.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ValidateToken implements gateway.Authenticator.
func (s *Store) ValidateToken(ctx context.Context, token string) (gateway.Identity, error) {
	var userIDStr, authSession, expiresAtStr string
	var revoked int
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, auth_session, expires_at, revoked FROM tokens WHERE token = ?`, token,
	).Scan(&userIDStr, &authSession, &expiresAtStr, &revoked)
	if err == sql.ErrNoRows {
		return gateway.Identity{}, ErrTokenInvalid
	}
	if err != nil {
		return gateway.Identity{}, fmt.Errorf("load token: %w", err)
	}
	if revoked != 0 {
		return gateway.Identity{}, ErrTokenInvalid
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, expiresAtStr)
	if err != nil || time.Now().After(expiresAt) {
		return gateway.Identity{}, ErrTokenInvalid
	}
	userID, err := snowflake.Parse(userIDStr)
	if err != nil {
		return gateway.Identity{}, fmt.Errorf("token user id: %w", err)
	}
	return gateway.Identity{UserID: userID, AuthSession: authSession}, nil
}

// UserGuilds implements gateway.Directory.
func (s *Store) UserGuilds(ctx context.Context, userID snowflake.ID) ([]gateway.Guild, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id, g.name, g.owner_id
		FROM guilds g JOIN guild_members m ON m.guild_id = g.id
		WHERE m.user_id = ?
		ORDER BY g.id
	`, userID.String())
	if err != nil {
		return nil, fmt.Errorf("list user guilds: %w", err)
	}
	defer rows.Close()

	var out []gateway.Guild
	for rows.Next() {
		var idStr, name, ownerStr string
		if err := rows.Scan(&idStr, &name, &ownerStr); err != nil {
			return nil, fmt.Errorf("scan guild: %w", err)
		}
		id, err := snowflake.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("guild id: %w", err)
		}
		owner, err := snowflake.Parse(ownerStr)
		if err != nil {
			return nil, fmt.Errorf("guild owner id: %w", err)
		}
		out = append(out, gateway.Guild{ID: id, Name: name, OwnerID: owner})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate guilds: %w", err)
	}
	return out, nil
}

// GuildForChannel implements permissions.Source. An unknown channel yields
// zero ids, which resolves to an empty mask downstream.
func (s *Store) GuildForChannel(ctx context.Context, channelID snowflake.ID) (snowflake.ID, snowflake.ID, error) {
	var guildStr, ownerStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT g.id, g.owner_id FROM channels c JOIN guilds g ON g.id = c.guild_id WHERE c.id = ?
	`, channelID.String()).Scan(&guildStr, &ownerStr)
	if err == sql.ErrNoRows {
		return snowflake.Zero, snowflake.Zero, nil
	}
	if err != nil {
		return snowflake.Zero, snowflake.Zero, fmt.Errorf("load channel guild: %w", err)
	}
	guildID, err := snowflake.Parse(guildStr)
	if err != nil {
		return snowflake.Zero, snowflake.Zero, fmt.Errorf("guild id: %w", err)
	}
	ownerID, err := snowflake.Parse(ownerStr)
	if err != nil {
		return snowflake.Zero, snowflake.Zero, fmt.Errorf("owner id: %w", err)
	}
	return guildID, ownerID, nil
}

// GuildRoles implements permissions.Source.
func (s *Store) GuildRoles(ctx context.Context, guildID snowflake.ID) ([]permissions.Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, permissions, position FROM roles WHERE guild_id = ? ORDER BY position`, guildID.String())
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	var out []permissions.Role
	for rows.Next() {
		var idStr string
		var perms int64
		var position int
		if err := rows.Scan(&idStr, &perms, &position); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		id, err := snowflake.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("role id: %w", err)
		}
		out = append(out, permissions.Role{
			ID:          id,
			GuildID:     guildID,
			Permissions: permissions.Mask(perms),
			Position:    position,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return out, nil
}

// MemberRoles implements permissions.Source.
func (s *Store) MemberRoles(ctx context.Context, guildID, userID snowflake.ID) ([]snowflake.ID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role_id FROM member_roles WHERE guild_id = ? AND user_id = ?`,
		guildID.String(), userID.String())
	if err != nil {
		return nil, fmt.Errorf("list member roles: %w", err)
	}
	defer rows.Close()

	var out []snowflake.ID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, fmt.Errorf("scan member role: %w", err)
		}
		id, err := snowflake.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("member role id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate member roles: %w", err)
	}
	return out, nil
}

// ChannelOverwrites implements permissions.Source.
func (s *Store) ChannelOverwrites(ctx context.Context, channelID snowflake.ID) ([]permissions.Overwrite, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT target_id, target_type, allow, deny FROM channel_overwrites WHERE channel_id = ?`,
		channelID.String())
	if err != nil {
		return nil, fmt.Errorf("list overwrites: %w", err)
	}
	defer rows.Close()

	var out []permissions.Overwrite
	for rows.Next() {
		var targetStr, targetType string
		var allow, deny int64
		if err := rows.Scan(&targetStr, &targetType, &allow, &deny); err != nil {
			return nil, fmt.Errorf("scan overwrite: %w", err)
		}
		target, err := snowflake.Parse(targetStr)
		if err != nil {
			return nil, fmt.Errorf("overwrite target id: %w", err)
		}
		out = append(out, permissions.Overwrite{
			ChannelID: channelID,
			TargetID:  target,
			Type:      permissions.TargetType(targetType),
			Allow:     permissions.Mask(allow),
			Deny:      permissions.Mask(deny),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate overwrites: %w", err)
	}
	return out, nil
}

// RevokeUserTokens marks every token of the user revoked. Pairs with
// gateway.RevokeUser for logout-all.
func (s *Store) RevokeUserTokens(ctx context.Context, userID snowflake.ID) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET revoked = 1 WHERE user_id = ?`, userID.String()); err != nil {
		return fmt.Errorf("revoke tokens: %w", err)
	}
	return nil
}

// Seeding helpers below populate the read-side tables. The writing service
// owns these rows in production; concordd uses them for fixtures and tests.

func (s *Store) CreateUser(ctx context.Context, id snowflake.ID, username string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, created_at) VALUES (?, ?, ?)`,
		id.String(), username, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *Store) CreateToken(ctx context.Context, token string, userID snowflake.ID, authSession string, ttl time.Duration) error {
	expires := time.Now().UTC().Add(ttl)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (token, user_id, auth_session, expires_at) VALUES (?, ?, ?, ?)`,
		token, userID.String(), authSession, expires.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (s *Store) CreateGuild(ctx context.Context, id snowflake.ID, name string, ownerID snowflake.ID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO guilds (id, name, owner_id, created_at) VALUES (?, ?, ?, ?)`,
		id.String(), name, ownerID.String(), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert guild: %w", err)
	}
	return nil
}

func (s *Store) AddGuildMember(ctx context.Context, guildID, userID snowflake.ID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO guild_members (guild_id, user_id, joined_at) VALUES (?, ?, ?)`,
		guildID.String(), userID.String(), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert guild member: %w", err)
	}
	return nil
}

func (s *Store) CreateChannel(ctx context.Context, id, guildID snowflake.ID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (id, guild_id, name) VALUES (?, ?, ?)`,
		id.String(), guildID.String(), name)
	if err != nil {
		return fmt.Errorf("insert channel: %w", err)
	}
	return nil
}

func (s *Store) CreateRole(ctx context.Context, role permissions.Role) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO roles (id, guild_id, permissions, position) VALUES (?, ?, ?, ?)`,
		role.ID.String(), role.GuildID.String(), int64(role.Permissions), role.Position)
	if err != nil {
		return fmt.Errorf("insert role: %w", err)
	}
	return nil
}

func (s *Store) AssignRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO member_roles (guild_id, user_id, role_id) VALUES (?, ?, ?)`,
		guildID.String(), userID.String(), roleID.String())
	if err != nil {
		return fmt.Errorf("insert member role: %w", err)
	}
	return nil
}

func (s *Store) SetOverwrite(ctx context.Context, ow permissions.Overwrite) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_overwrites (channel_id, target_id, target_type, allow, deny)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(channel_id, target_id) DO UPDATE SET target_type = excluded.target_type,
			allow = excluded.allow, deny = excluded.deny
	`, ow.ChannelID.String(), ow.TargetID.String(), string(ow.Type), int64(ow.Allow), int64(ow.Deny))
	if err != nil {
		return fmt.Errorf("upsert overwrite: %w", err)
	}
	return nil
}
