// Package model defines the domain types used across the application.
package model

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by the pipeline components.
var (
	ErrInvalidPlatform = errors.New("invalid platform")
	ErrInvalidStatus   = errors.New("invalid status")
	ErrNotFound        = errors.New("not found")
)

// Platform identifies a publishing target. The set is closed per deployment.
type Platform string

// Supported platforms.
const (
	PlatformDevto    Platform = "devto"
	PlatformMastodon Platform = "mastodon"
	PlatformReddit   Platform = "reddit"
)

// Platforms lists every supported platform.
func Platforms() []Platform {
	return []Platform{PlatformDevto, PlatformMastodon, PlatformReddit}
}

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	switch p {
	case PlatformDevto, PlatformMastodon, PlatformReddit:
		return true
	}
	return false
}

// ParsePlatform converts a string to a Platform.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(s)
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPlatform, s)
	}
	return p, nil
}

// Status is the lifecycle state of a post.
type Status string

// Post lifecycle states.
const (
	StatusPending   Status = "pending"
	StatusGenerated Status = "generated"
	StatusScheduled Status = "scheduled"
	StatusPosted    Status = "posted"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusGenerated, StatusScheduled, StatusPosted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether a post in this status will never transition again.
func (s Status) Terminal() bool {
	return s == StatusPosted || s == StatusFailed
}

// ValidTransition reports whether moving a post between the two states follows
// the lifecycle pending -> generated -> scheduled -> posted|failed.
// Terminal states have no outgoing transitions.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusGenerated || to == StatusScheduled || to == StatusFailed
	case StatusGenerated:
		return to == StatusScheduled || to == StatusPosted || to == StatusFailed
	case StatusScheduled:
		return to == StatusPosted || to == StatusFailed
	}
	return false
}

// ContentType classifies a content item for engagement prediction.
type ContentType string

// Recognized content types.
const (
	TypeNews     ContentType = "news"
	TypeOpinion  ContentType = "opinion"
	TypeLink     ContentType = "link"
	TypeLongForm ContentType = "long_form"
	TypeText     ContentType = "text"
)

// AudienceBusiness marks content aimed at a business audience; the optimizer
// penalizes slots outside 09:00-17:00 for it.
const AudienceBusiness = "b2b"

// Content is a unit to be published, produced by an external generation stage.
// It is owned by the caller and treated as immutable once handed to the
// dispatcher.
type Content struct {
	ID        string
	Title     string
	Body      string
	SourceURL string
	Platforms []Platform
	Type      ContentType
	Audience  string
	Priority  int
	Tags      []string
}

// Post is one attempt to publish a Content to one platform. Multi-platform
// publishing creates one Post per platform sharing the same ContentHash.
type Post struct {
	ID           int64
	Platform     Platform
	ContentHash  string
	Title        string
	Body         string
	SourceURL    string
	Status       Status
	ScheduledFor *time.Time
	PostedAt     *time.Time
	RemotePostID string
	RemoteURL    string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
