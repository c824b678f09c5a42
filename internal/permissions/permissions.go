package permissions

// Mask is a capability bitmask. Callers test individual bits with And.
type Mask uint64

const (
	ViewChannel Mask = 1 << iota
	SendMessages
	ManageMessages
	ManageChannels
	ManageGuild
	ManageRoles
	KickMembers
	BanMembers
	CreateInvite
	AttachFiles
	MentionEveryone
	Administrator
)

// All is the mask granted to guild owners and administrators.
const All Mask = 1<<64 - 1

// Has reports whether every bit in p is set in m.
func (m Mask) Has(p Mask) bool {
	return m&p == p
}
