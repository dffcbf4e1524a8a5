// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

// Package events implements the realtime event channel: a fan-out of
// named events into per-subscription listener groups plus a global
// group.
package events

import (
	"time"

	"storj.io/common/uuid"
)

// Server to client event names. These are a stable contract with
// connected clients.
const (
	ChangesDetected           = "changes-detected"
	FileChanged               = "file-changed"
	DatabaseChanged           = "database-changed"
	SubscriptionHealthChanged = "subscription-health-changed"
	SubscriptionStateChanged  = "subscription-state-changed"
	SubscriptionCreated       = "subscription-created"
	SubscriptionDeleted       = "subscription-deleted"
	ComparisonStarted         = "comparison-started"
	ComparisonProgress        = "comparison-progress"
	ComparisonCompleted       = "comparison-completed"
	ComparisonFailed          = "comparison-failed"
	ServiceShuttingDown       = "service-shutting-down"
	ServiceReconnected        = "service-reconnected"
)

// Event is a single realtime notification.
type Event struct {
	Name           string      `json:"name"`
	SubscriptionID uuid.UUID   `json:"subscriptionId"`
	Timestamp      time.Time   `json:"timestamp"`
	Payload        interface{} `json:"payload,omitempty"`
}
