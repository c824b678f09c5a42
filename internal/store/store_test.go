package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/concordchat/concord/internal/permissions"
	"github.com/concordchat/concord/internal/snowflake"
	"github.com/concordchat/concord/internal/store"
	"github.com/concordchat/concord/internal/testutil"
)

const (
	ownerID   = snowflake.ID(1)
	userID    = snowflake.ID(2)
	guildID   = snowflake.ID(100)
	channelID = snowflake.ID(200)
)

func seed(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateUser(ctx, ownerID, "owner"); err != nil {
		t.Fatalf("create owner: %v", err)
	}
	if err := s.CreateUser(ctx, userID, "member"); err != nil {
		t.Fatalf("create member: %v", err)
	}
	if err := s.CreateGuild(ctx, guildID, "general", ownerID); err != nil {
		t.Fatalf("create guild: %v", err)
	}
	if err := s.AddGuildMember(ctx, guildID, ownerID); err != nil {
		t.Fatalf("add owner member: %v", err)
	}
	if err := s.AddGuildMember(ctx, guildID, userID); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if err := s.CreateChannel(ctx, channelID, guildID, "chat"); err != nil {
		t.Fatalf("create channel: %v", err)
	}
	// The @everyone role shares its id with the guild.
	if err := s.CreateRole(ctx, permissions.Role{
		ID: guildID, GuildID: guildID,
		Permissions: permissions.ViewChannel | permissions.SendMessages,
		Position:    0,
	}); err != nil {
		t.Fatalf("create everyone role: %v", err)
	}
}

func TestValidateToken(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	s := store.NewStore(db)
	ctx := context.Background()
	seed(t, s)

	if err := s.CreateToken(ctx, "tok-valid", userID, "auth-1", time.Hour); err != nil {
		t.Fatalf("create token: %v", err)
	}
	if err := s.CreateToken(ctx, "tok-expired", userID, "auth-2", -time.Hour); err != nil {
		t.Fatalf("create expired token: %v", err)
	}

	identity, err := s.ValidateToken(ctx, "tok-valid")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if identity.UserID != userID || identity.AuthSession != "auth-1" {
		t.Fatalf("identity = %+v", identity)
	}

	if _, err := s.ValidateToken(ctx, "tok-expired"); !errors.Is(err, store.ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for expired token, got %v", err)
	}
	if _, err := s.ValidateToken(ctx, "tok-missing"); !errors.Is(err, store.ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for unknown token, got %v", err)
	}

	if err := s.RevokeUserTokens(ctx, userID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := s.ValidateToken(ctx, "tok-valid"); !errors.Is(err, store.ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid after revoke, got %v", err)
	}
}

func TestUserGuilds(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	s := store.NewStore(db)
	ctx := context.Background()
	seed(t, s)

	guilds, err := s.UserGuilds(ctx, userID)
	if err != nil {
		t.Fatalf("user guilds: %v", err)
	}
	if len(guilds) != 1 || guilds[0].ID != guildID || guilds[0].OwnerID != ownerID {
		t.Fatalf("guilds = %+v", guilds)
	}

	none, err := s.UserGuilds(ctx, snowflake.ID(999))
	if err != nil {
		t.Fatalf("user guilds for stranger: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no guilds, got %+v", none)
	}
}

// The end-to-end permission scenario from the resolver, through sqlite:
// @everyone denied SendMessages on the channel, one member re-allowed via a
// member overwrite, a second member still denied.
func TestPermissionScenarioThroughStore(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	s := store.NewStore(db)
	ctx := context.Background()
	seed(t, s)

	other := snowflake.ID(3)
	if err := s.CreateUser(ctx, other, "other"); err != nil {
		t.Fatalf("create other: %v", err)
	}
	if err := s.AddGuildMember(ctx, guildID, other); err != nil {
		t.Fatalf("add other member: %v", err)
	}

	if err := s.SetOverwrite(ctx, permissions.Overwrite{
		ChannelID: channelID, TargetID: guildID, Type: permissions.TargetRole,
		Deny: permissions.SendMessages,
	}); err != nil {
		t.Fatalf("set everyone overwrite: %v", err)
	}

	svc := &permissions.Service{Source: s}

	mask, err := svc.Resolve(ctx, userID, channelID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if mask.Has(permissions.SendMessages) {
		t.Fatalf("expected SendMessages denied, mask = %x", mask)
	}
	if !mask.Has(permissions.ViewChannel) {
		t.Fatalf("expected ViewChannel allowed, mask = %x", mask)
	}

	if err := s.SetOverwrite(ctx, permissions.Overwrite{
		ChannelID: channelID, TargetID: userID, Type: permissions.TargetMember,
		Allow: permissions.SendMessages,
	}); err != nil {
		t.Fatalf("set member overwrite: %v", err)
	}

	mask, err = svc.Resolve(ctx, userID, channelID)
	if err != nil {
		t.Fatalf("resolve after member overwrite: %v", err)
	}
	if !mask.Has(permissions.SendMessages) {
		t.Fatalf("expected member overwrite to allow SendMessages, mask = %x", mask)
	}

	otherMask, err := svc.Resolve(ctx, other, channelID)
	if err != nil {
		t.Fatalf("resolve other: %v", err)
	}
	if otherMask.Has(permissions.SendMessages) {
		t.Fatalf("other member must stay denied, mask = %x", otherMask)
	}

	// Owner bypasses everything.
	ownerMask, err := svc.Resolve(ctx, ownerID, channelID)
	if err != nil {
		t.Fatalf("resolve owner: %v", err)
	}
	if ownerMask != permissions.All {
		t.Fatalf("owner mask = %x, want all bits", ownerMask)
	}

	// Upsert replaces the existing row rather than adding a second one.
	if err := s.SetOverwrite(ctx, permissions.Overwrite{
		ChannelID: channelID, TargetID: userID, Type: permissions.TargetMember,
		Deny: permissions.SendMessages,
	}); err != nil {
		t.Fatalf("replace member overwrite: %v", err)
	}
	ows, err := s.ChannelOverwrites(ctx, channelID)
	if err != nil {
		t.Fatalf("list overwrites: %v", err)
	}
	if len(ows) != 2 {
		t.Fatalf("expected 2 overwrite rows, got %d", len(ows))
	}
}

// Unknown users and channels resolve to an empty mask, not an error.
func TestResolveUnknownChannel(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	s := store.NewStore(db)
	ctx := context.Background()
	seed(t, s)

	svc := &permissions.Service{Source: s}
	mask, err := svc.Resolve(ctx, userID, snowflake.ID(12345))
	if err != nil {
		t.Fatalf("resolve unknown channel: %v", err)
	}
	if mask != 0 {
		t.Fatalf("mask = %x, want 0", mask)
	}
}

func TestMemberRolesAndGuildRoles(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	s := store.NewStore(db)
	ctx := context.Background()
	seed(t, s)

	mod := permissions.Role{
		ID: snowflake.ID(300), GuildID: guildID,
		Permissions: permissions.ManageMessages, Position: 1,
	}
	if err := s.CreateRole(ctx, mod); err != nil {
		t.Fatalf("create role: %v", err)
	}
	if err := s.AssignRole(ctx, guildID, userID, mod.ID); err != nil {
		t.Fatalf("assign role: %v", err)
	}

	roles, err := s.GuildRoles(ctx, guildID)
	if err != nil {
		t.Fatalf("guild roles: %v", err)
	}
	if len(roles) != 2 {
		t.Fatalf("expected 2 roles, got %d", len(roles))
	}

	held, err := s.MemberRoles(ctx, guildID, userID)
	if err != nil {
		t.Fatalf("member roles: %v", err)
	}
	if len(held) != 1 || held[0] != mod.ID {
		t.Fatalf("member roles = %v", held)
	}

	svc := &permissions.Service{Source: s}
	mask, err := svc.Resolve(ctx, userID, channelID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !mask.Has(permissions.ManageMessages) {
		t.Fatalf("expected role grant in mask %x", mask)
	}
}
