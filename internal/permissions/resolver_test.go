package permissions

import (
	"testing"

	"github.com/concordchat/concord/internal/snowflake"
)

const (
	guildID   = snowflake.ID(100)
	channelID = snowflake.ID(200)
	ownerID   = snowflake.ID(1)
	userID    = snowflake.ID(2)
	otherID   = snowflake.ID(3)
	roleAID   = snowflake.ID(300)
	roleBID   = snowflake.ID(301)
)

func baseInput() ResolveInput {
	return ResolveInput{
		UserID:  userID,
		GuildID: guildID,
		OwnerID: ownerID,
		Roles: []Role{
			{ID: guildID, GuildID: guildID, Permissions: ViewChannel | SendMessages, Position: 0},
		},
	}
}

func TestOwnerBypass(t *testing.T) {
	in := baseInput()
	in.UserID = ownerID
	in.Overwrites = []Overwrite{
		{ChannelID: channelID, TargetID: guildID, Type: TargetRole, Deny: All},
	}
	if got := Resolve(in); got != All {
		t.Fatalf("owner mask = %x, want all bits", got)
	}
}

func TestAdministratorBypass(t *testing.T) {
	in := baseInput()
	in.Roles = append(in.Roles, Role{ID: roleAID, GuildID: guildID, Permissions: Administrator, Position: 1})
	in.MemberRoles = []snowflake.ID{roleAID}
	in.Overwrites = []Overwrite{
		{ChannelID: channelID, TargetID: roleAID, Type: TargetRole, Deny: All},
	}
	if got := Resolve(in); got != All {
		t.Fatalf("administrator mask = %x, want all bits", got)
	}
}

func TestBaseIsUnionOfRoles(t *testing.T) {
	in := baseInput()
	in.Roles = append(in.Roles,
		Role{ID: roleAID, GuildID: guildID, Permissions: ManageMessages, Position: 1},
		Role{ID: roleBID, GuildID: guildID, Permissions: AttachFiles, Position: 2},
	)
	in.MemberRoles = []snowflake.ID{roleAID, roleBID}
	want := ViewChannel | SendMessages | ManageMessages | AttachFiles
	if got := Resolve(in); got != want {
		t.Fatalf("mask = %x, want %x", got, want)
	}
}

func TestUnknownUserResolvesEmpty(t *testing.T) {
	in := ResolveInput{UserID: userID, GuildID: guildID}
	if got := Resolve(in); got != 0 {
		t.Fatalf("mask = %x, want 0", got)
	}
}

func TestEveryoneOverwriteAppliesFirst(t *testing.T) {
	in := baseInput()
	in.Overwrites = []Overwrite{
		{ChannelID: channelID, TargetID: guildID, Type: TargetRole, Deny: SendMessages},
	}
	got := Resolve(in)
	if got.Has(SendMessages) {
		t.Fatalf("expected SendMessages denied, mask = %x", got)
	}
	if !got.Has(ViewChannel) {
		t.Fatalf("expected ViewChannel kept, mask = %x", got)
	}
}

func TestRoleOverwritesAscendingPosition(t *testing.T) {
	in := baseInput()
	in.Roles = append(in.Roles,
		Role{ID: roleAID, GuildID: guildID, Permissions: 0, Position: 1},
		Role{ID: roleBID, GuildID: guildID, Permissions: 0, Position: 2},
	)
	in.MemberRoles = []snowflake.ID{roleAID, roleBID}
	// Lower-position role denies, higher-position role allows: the
	// higher-position role wins the conflicting bit.
	in.Overwrites = []Overwrite{
		{ChannelID: channelID, TargetID: roleBID, Type: TargetRole, Allow: ManageMessages},
		{ChannelID: channelID, TargetID: roleAID, Type: TargetRole, Deny: ManageMessages},
	}
	if got := Resolve(in); !got.Has(ManageMessages) {
		t.Fatalf("expected higher-position allow to win, mask = %x", got)
	}

	// Reversed positions: now the deny belongs to the higher role.
	in.Roles[1].Position = 3
	in.Roles[2].Position = 1
	if got := Resolve(in); got.Has(ManageMessages) {
		t.Fatalf("expected higher-position deny to win, mask = %x", got)
	}
}

func TestMemberOverwriteWinsOverRoleAllow(t *testing.T) {
	in := baseInput()
	in.Roles = append(in.Roles, Role{ID: roleAID, GuildID: guildID, Permissions: 0, Position: 1})
	in.MemberRoles = []snowflake.ID{roleAID}
	in.Overwrites = []Overwrite{
		{ChannelID: channelID, TargetID: roleAID, Type: TargetRole, Allow: SendMessages},
		{ChannelID: channelID, TargetID: userID, Type: TargetMember, Deny: SendMessages},
	}
	if got := Resolve(in); got.Has(SendMessages) {
		t.Fatalf("expected member deny to beat role allow, mask = %x", got)
	}
}

// A member-level allow restores a permission the @everyone overwrite denied,
// without affecting other members holding the same roles.
func TestMemberAllowAfterEveryoneDeny(t *testing.T) {
	in := baseInput()
	in.Overwrites = []Overwrite{
		{ChannelID: channelID, TargetID: guildID, Type: TargetRole, Deny: SendMessages},
	}
	if got := Resolve(in); got.Has(SendMessages) {
		t.Fatalf("expected SendMessages denied before member overwrite, mask = %x", got)
	}

	in.Overwrites = append(in.Overwrites, Overwrite{
		ChannelID: channelID, TargetID: userID, Type: TargetMember, Allow: SendMessages,
	})
	if got := Resolve(in); !got.Has(SendMessages) {
		t.Fatalf("expected member allow to restore SendMessages, mask = %x", got)
	}

	other := in
	other.UserID = otherID
	if got := Resolve(other); got.Has(SendMessages) {
		t.Fatalf("expected other member to stay denied, mask = %x", got)
	}
}

func TestOverwriteForUnheldRoleIgnored(t *testing.T) {
	in := baseInput()
	in.Roles = append(in.Roles, Role{ID: roleAID, GuildID: guildID, Permissions: 0, Position: 1})
	in.Overwrites = []Overwrite{
		{ChannelID: channelID, TargetID: roleAID, Type: TargetRole, Allow: ManageGuild},
	}
	if got := Resolve(in); got.Has(ManageGuild) {
		t.Fatalf("expected unheld role overwrite ignored, mask = %x", got)
	}
}

func TestResolveDeterministic(t *testing.T) {
	in := baseInput()
	in.Roles = append(in.Roles,
		Role{ID: roleAID, GuildID: guildID, Permissions: ManageMessages, Position: 1},
		Role{ID: roleBID, GuildID: guildID, Permissions: AttachFiles, Position: 2},
	)
	in.MemberRoles = []snowflake.ID{roleAID, roleBID}
	in.Overwrites = []Overwrite{
		{ChannelID: channelID, TargetID: guildID, Type: TargetRole, Deny: AttachFiles},
		{ChannelID: channelID, TargetID: roleAID, Type: TargetRole, Allow: CreateInvite},
	}
	first := Resolve(in)
	for i := 0; i < 50; i++ {
		if got := Resolve(in); got != first {
			t.Fatalf("resolve not deterministic: %x != %x", got, first)
		}
	}
}
