package domain

import "time"

// DeploymentStatus indicates the lifecycle state of a deployment.
type DeploymentStatus string

const (
	DeploymentStatusBuilding DeploymentStatus = "building"
	DeploymentStatusRunning  DeploymentStatus = "running"
	DeploymentStatusStopped  DeploymentStatus = "stopped"
)

// DeploymentRecord is one built image plus one runtime instance, keyed by the
// credential it was deployed with.
type DeploymentRecord struct {
	Credential    string
	DeploymentID  string
	ImageRef      string
	RuntimeHandle string
	HostPort      int
	Status        DeploymentStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Artifact is a received source file persisted on local storage.
type Artifact struct {
	DeploymentID string
	Dir          string
	Path         string
	Size         int64
}

// Image is the result of a successful build.
type Image struct {
	Ref          string
	DeploymentID string
}

// DeploymentEvent is one audit journal entry for a deployment.
type DeploymentEvent struct {
	DeploymentID   string
	ConversationID int64
	Action         string
	Status         DeploymentStatus
	Detail         string
	At             time.Time
}

// StartSpec describes the runtime instance to launch for a built image.
type StartSpec struct {
	DeploymentID string
	ImageRef     string
	Credential   string
	HostPort     int
}
