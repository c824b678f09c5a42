package permissions

import (
	"context"
	"sort"

	"github.com/concordchat/concord/internal/snowflake"
)

// Role is a guild role. The @everyone role shares its id with the guild.
type Role struct {
	ID          snowflake.ID
	GuildID     snowflake.ID
	Permissions Mask
	Position    int
}

// TargetType distinguishes whether an overwrite applies to a role or a
// single member.
type TargetType string

const (
	TargetRole   TargetType = "role"
	TargetMember TargetType = "member"
)

// Overwrite is a channel-level allow/deny override for one role or member.
// At most one overwrite exists per (channel, target).
type Overwrite struct {
	ChannelID snowflake.ID
	TargetID  snowflake.ID
	Type      TargetType
	Allow     Mask
	Deny      Mask
}

// ResolveInput carries everything Resolve needs. Absent data resolves to an
// empty mask, never an error.
type ResolveInput struct {
	UserID      snowflake.ID
	GuildID     snowflake.ID
	OwnerID     snowflake.ID
	Roles       []Role         // all roles of the guild
	MemberRoles []snowflake.ID // role ids the user holds; @everyone is implicit
	Overwrites  []Overwrite    // overwrites of the channel being resolved
}

// Resolve computes the user's effective mask for one channel.
//
// Precedence: owner bypass, then OR of held role permissions (including
// @everyone), administrator bypass, the @everyone overwrite, role overwrites
// in ascending role position, and the member overwrite last. Each overwrite
// clears its deny bits before setting its allow bits.
func Resolve(in ResolveInput) Mask {
	if in.OwnerID != snowflake.Zero && in.UserID == in.OwnerID {
		return All
	}

	byID := make(map[snowflake.ID]Role, len(in.Roles))
	for _, r := range in.Roles {
		byID[r.ID] = r
	}

	held := make(map[snowflake.ID]struct{}, len(in.MemberRoles)+1)
	held[in.GuildID] = struct{}{} // @everyone
	for _, id := range in.MemberRoles {
		held[id] = struct{}{}
	}

	var base Mask
	for id := range held {
		if r, ok := byID[id]; ok {
			base |= r.Permissions
		}
	}
	if base.Has(Administrator) {
		return All
	}

	// @everyone overwrite first.
	for _, ow := range in.Overwrites {
		if ow.Type == TargetRole && ow.TargetID == in.GuildID {
			base = base&^ow.Deny | ow.Allow
			break
		}
	}

	// Remaining role overwrites in ascending position, so higher-position
	// roles win conflicting bits.
	matched := make([]Overwrite, 0, len(in.Overwrites))
	for _, ow := range in.Overwrites {
		if ow.Type != TargetRole || ow.TargetID == in.GuildID {
			continue
		}
		if _, ok := held[ow.TargetID]; !ok {
			continue
		}
		matched = append(matched, ow)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return byID[matched[i].TargetID].Position < byID[matched[j].TargetID].Position
	})
	for _, ow := range matched {
		base = base&^ow.Deny | ow.Allow
	}

	// Member overwrite takes final precedence.
	for _, ow := range in.Overwrites {
		if ow.Type == TargetMember && ow.TargetID == in.UserID {
			base = base&^ow.Deny | ow.Allow
			break
		}
	}

	return base
}

// Source loads the role and overwrite data Resolve consumes. Implementations
// are read-only; Service never writes through them.
type Source interface {
	GuildForChannel(ctx context.Context, channelID snowflake.ID) (guildID, ownerID snowflake.ID, err error)
	GuildRoles(ctx context.Context, guildID snowflake.ID) ([]Role, error)
	MemberRoles(ctx context.Context, guildID, userID snowflake.ID) ([]snowflake.ID, error)
	ChannelOverwrites(ctx context.Context, channelID snowflake.ID) ([]Overwrite, error)
}

// Service binds a Source to the pure resolver.
type Service struct {
	Source Source
}

// Resolve loads the inputs for (user, channel) and resolves the mask.
func (s *Service) Resolve(ctx context.Context, userID, channelID snowflake.ID) (Mask, error) {
	guildID, ownerID, err := s.Source.GuildForChannel(ctx, channelID)
	if err != nil {
		return 0, err
	}
	roles, err := s.Source.GuildRoles(ctx, guildID)
	if err != nil {
		return 0, err
	}
	memberRoles, err := s.Source.MemberRoles(ctx, guildID, userID)
	if err != nil {
		return 0, err
	}
	overwrites, err := s.Source.ChannelOverwrites(ctx, channelID)
	if err != nil {
		return 0, err
	}
	return Resolve(ResolveInput{
		UserID:      userID,
		GuildID:     guildID,
		OwnerID:     ownerID,
		Roles:       roles,
		MemberRoles: memberRoles,
		Overwrites:  overwrites,
	}), nil
}

// CanView reports whether the user may see the channel.
func (s *Service) CanView(ctx context.Context, userID, channelID snowflake.ID) (bool, error) {
	mask, err := s.Resolve(ctx, userID, channelID)
	if err != nil {
		return false, err
	}
	return mask.Has(ViewChannel), nil
}
