package db

// Outcome is the recorded result of one upload.
type Outcome string

const (
	OutcomeStored       Outcome = "stored"
	OutcomeNotArtifact  Outcome = "not_artifact"
	OutcomeMalformed    Outcome = "malformed"
	OutcomeReloaded     Outcome = "reloaded"
	OutcomeReloadFailed Outcome = "reload_failed"
)

// Deployment is one completed upload and what became of it.
type Deployment struct {
	ID           string
	SessionID    string
	Username     string
	RemoteAddr   string
	FileName     string
	SizeBytes    int64
	ArtifactName string
	Outcome      Outcome
	Detail       string
	CreatedAt    int64
	UpdatedAt    int64
}
