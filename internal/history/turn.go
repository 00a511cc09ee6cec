package history

// Role identifies who produced a turn.
type Role string

const (
	RoleParticipant Role = "participant"
	RoleAgent       Role = "agent"
)

// Turn is one recorded message in a conversation. ID is the external
// message identifier and may be empty (agent replies have none).
type Turn struct {
	ID      string
	Role    Role
	Content string
}
