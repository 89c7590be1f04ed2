package runner

import "github.com/google/uuid"

// Ref is the composite SessionRef: (userId, repoId, sessionId). sessionId
// alone is never unique — all per-session storage is keyed by this triple.
type Ref struct {
	UserID    string
	RepoID    string
	SessionID string
}

// Key returns the stable "u/r/s" string form used as an in-memory map key
// and as the ref_key column value.
func (r Ref) Key() string {
	return r.UserID + "/" + r.RepoID + "/" + r.SessionID
}

// providerNamespace is the fixed UUID namespace used to derive a stable
// UUIDv5 provider-facing session id from a Ref, so resume keeps working
// across process restarts without persisting a separate id.
var providerNamespace = uuid.MustParse("6f7d6e0a-7e3b-4f59-9f2f-6a7c9a2d9b10")

// ProviderSessionID derives the stable UUIDv5 session id the agent
// provider uses to key its own conversation state.
func ProviderSessionID(ref Ref) string {
	return uuid.NewSHA1(providerNamespace, []byte(ref.Key())).String()
}
