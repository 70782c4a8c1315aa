package model

import "time"

// AuditEventKind enumerates the kinds of events the Journal records.
type AuditEventKind string

const (
	EventSubmitted           AuditEventKind = "submitted"
	EventFaceDetected        AuditEventKind = "face-detected"
	EventEmbeddingGenerated  AuditEventKind = "embedding-generated"
	EventDuplicateDetected   AuditEventKind = "duplicate-detected"
	EventIdentityIssued      AuditEventKind = "identity-issued"
	EventApplicationLinked   AuditEventKind = "application-linked"
	EventApplicationRejected AuditEventKind = "application-rejected"
	EventOverrideDecision    AuditEventKind = "override-decision"
	EventMerge               AuditEventKind = "merge"
	EventSuspend             AuditEventKind = "suspend"
	EventDataAccess          AuditEventKind = "data-access"
	EventAdminLogin          AuditEventKind = "admin-login"
)

// ActorKind identifies who performed an action.
type ActorKind string

const (
	ActorSystem   ActorKind = "system"
	ActorAdmin    ActorKind = "admin"
	ActorReviewer ActorKind = "reviewer"
	ActorAPI      ActorKind = "api"
)

// AuditEvent is an immutable record of something that happened to a
// resource. Once written it is never modified (SPEC_FULL.md §4.9).
type AuditEvent struct {
	EventID      string                 `json:"event_id"`
	EventKind    AuditEventKind         `json:"event_kind"`
	Timestamp    time.Time              `json:"timestamp"`
	ActorID      string                 `json:"actor_id"`
	ActorKind    ActorKind              `json:"actor_kind"`
	ResourceID   string                 `json:"resource_id"`
	ResourceKind string                 `json:"resource_kind"`
	Action       string                 `json:"action"`
	Details      map[string]interface{} `json:"details,omitempty"`
	IP           string                 `json:"ip,omitempty"`
	UserAgent    string                 `json:"user_agent,omitempty"`
	Success      bool                   `json:"success"`
	Error        string                 `json:"error,omitempty"`
}
