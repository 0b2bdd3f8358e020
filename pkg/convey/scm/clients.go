package scm

import "context"

// StatusClient reports goal state transitions to the source-control provider.
// Updates are best effort: callers log errors but do not let a failing status
// update change the outcome of the work it describes.
type StatusClient interface {
	UpdateStatus(ctx context.Context, target StatusTarget, state GoalState, branch, buildNumber string) error
}

// TagClient creates tag objects and their references.
type TagClient interface {
	CreateTag(ctx context.Context, creds Credentials, ref RepoRef, tag Tag) error
	CreateTagReference(ctx context.Context, creds Credentials, ref RepoRef, tag Tag) error
}

// WebhookClient announces produced artifacts to downstream consumers.
// The boolean return is the consumer's acknowledgement: false means the link
// was not accepted even though the call itself did not error.
type WebhookClient interface {
	PostImageLink(ctx context.Context, app AppInfo, imageURL string) (bool, error)
}

// ArtifactStore persists build artifacts and returns their public URL.
type ArtifactStore interface {
	StoreFile(ctx context.Context, app AppInfo, path string, creds Credentials) (string, error)
}
