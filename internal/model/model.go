// Package model holds the relational entities that make up the broadcast
// messaging domain. GORM tags drive both the schema and the query builder;
// the SKIP LOCKED queries that need raw SQL live next to the repository that
// issues them, not here.
package model

import "time"

// TargetType is who a Broadcast is addressed to.
type TargetType string

const (
	TargetAll      TargetType = "ALL"
	TargetSelected TargetType = "SELECTED"
	TargetRole     TargetType = "ROLE"
)

// BroadcastStatus is a Broadcast's lifecycle state.
type BroadcastStatus string

const (
	BroadcastScheduled BroadcastStatus = "SCHEDULED"
	BroadcastActive    BroadcastStatus = "ACTIVE"
	BroadcastExpired   BroadcastStatus = "EXPIRED"
	BroadcastCancelled BroadcastStatus = "CANCELLED"
)

// DeliveryStatus is a UserBroadcast's delivery lifecycle state.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "PENDING"
	DeliveryDelivered  DeliveryStatus = "DELIVERED"
	DeliveryFailed     DeliveryStatus = "FAILED"
	DeliverySuperseded DeliveryStatus = "SUPERSEDED"
)

// ReadStatus is a UserBroadcast's read lifecycle state.
type ReadStatus string

const (
	ReadUnread ReadStatus = "UNREAD"
	ReadRead   ReadStatus = "READ"
)

// ConnectionStatus is a UserSession's lifecycle state.
type ConnectionStatus string

const (
	ConnectionActive   ConnectionStatus = "ACTIVE"
	ConnectionInactive ConnectionStatus = "INACTIVE"
)

// EventType discriminates a MessageDeliveryEvent.
type EventType string

const (
	EventCreated   EventType = "CREATED"
	EventRead      EventType = "READ"
	EventCancelled EventType = "CANCELLED"
	EventExpired   EventType = "EXPIRED"
)

// Broadcast is an admin-authored message with a target set and lifecycle.
type Broadcast struct {
	ID             uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	SenderID       string          `gorm:"column:sender_id;index;not null" json:"senderId"`
	SenderName     string          `gorm:"column:sender_name;not null" json:"senderName"`
	Content        string          `gorm:"column:content;type:text;not null" json:"content"`
	TargetType     TargetType      `gorm:"column:target_type;type:varchar(16);not null" json:"targetType"`
	TargetIDs      StringSlice     `gorm:"column:target_ids;type:text" json:"targetIds"`
	Priority       string          `gorm:"column:priority;type:varchar(16);not null;default:NORMAL" json:"priority"`
	Category       string          `gorm:"column:category;type:varchar(64)" json:"category"`
	ScheduledAt    *time.Time      `gorm:"column:scheduled_at" json:"scheduledAt,omitempty"`
	ExpiresAt      *time.Time      `gorm:"column:expires_at" json:"expiresAt,omitempty"`
	Status         BroadcastStatus `gorm:"column:status;type:varchar(16);index;not null" json:"status"`
	CreatedAt      time.Time       `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt      time.Time       `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

func (Broadcast) TableName() string { return "broadcasts" }

// UserBroadcast is the per-recipient delivery record for a Broadcast.
// Exactly one row exists per (broadcast, targeted user) pair.
type UserBroadcast struct {
	ID            uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	BroadcastID   uint64         `gorm:"column:broadcast_id;uniqueIndex:uq_broadcast_user;index:idx_user_status,priority:2;not null" json:"broadcastId"`
	UserID        string         `gorm:"column:user_id;uniqueIndex:uq_broadcast_user;index:idx_user_status,priority:1;not null" json:"userId"`
	DeliveryStatus DeliveryStatus `gorm:"column:delivery_status;type:varchar(16);not null" json:"deliveryStatus"`
	ReadStatus    ReadStatus     `gorm:"column:read_status;type:varchar(16);not null" json:"readStatus"`
	DeliveredAt   *time.Time     `gorm:"column:delivered_at" json:"deliveredAt,omitempty"`
	ReadAt        *time.Time     `gorm:"column:read_at" json:"readAt,omitempty"`
	CreatedAt     time.Time      `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt     time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

func (UserBroadcast) TableName() string { return "user_broadcasts" }

// OutboxEvent is a row co-committed with a business transaction, drained to
// the bus by the outbox publisher and then deleted.
type OutboxEvent struct {
	ID        string    `gorm:"primaryKey;type:uuid" json:"id"`
	Topic     string    `gorm:"column:topic;type:varchar(255);not null" json:"topic"`
	Payload   []byte    `gorm:"column:payload;type:bytea;not null" json:"-"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime;index" json:"createdAt"`
}

func (OutboxEvent) TableName() string { return "outbox_events" }

// BroadcastStatistics holds the monotonic delivery counters for one
// Broadcast. There is exactly one row per broadcast id.
type BroadcastStatistics struct {
	BroadcastID    uint64    `gorm:"column:broadcast_id;primaryKey" json:"broadcastId"`
	TotalTargeted  int64     `gorm:"column:total_targeted;not null;default:0" json:"totalTargeted"`
	TotalDelivered int64     `gorm:"column:total_delivered;not null;default:0" json:"totalDelivered"`
	TotalRead      int64     `gorm:"column:total_read;not null;default:0" json:"totalRead"`
	TotalFailed    int64     `gorm:"column:total_failed;not null;default:0" json:"totalFailed"`
	CalculatedAt   time.Time `gorm:"column:calculated_at;autoUpdateTime" json:"calculatedAt"`
}

func (BroadcastStatistics) TableName() string { return "broadcast_statistics" }

// UserSession is one active or recently-active SSE connection.
type UserSession struct {
	ID               uint64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID           string           `gorm:"column:user_id;index;not null" json:"userId"`
	SessionID        string           `gorm:"column:session_id;uniqueIndex;type:uuid;not null" json:"sessionId"`
	PodID            string           `gorm:"column:pod_id;index:idx_pod_status,priority:1;not null" json:"podId"`
	ConnectionStatus ConnectionStatus `gorm:"column:connection_status;type:varchar(16);index:idx_pod_status,priority:2;not null" json:"connectionStatus"`
	ConnectedAt      time.Time        `gorm:"column:connected_at;not null" json:"connectedAt"`
	DisconnectedAt   *time.Time       `gorm:"column:disconnected_at" json:"disconnectedAt,omitempty"`
	LastHeartbeat    time.Time        `gorm:"column:last_heartbeat;index;not null" json:"lastHeartbeat"`
}

func (UserSession) TableName() string { return "user_sessions" }

// UserPreferences controls whether and when a user receives broadcasts.
type UserPreferences struct {
	UserID               string      `gorm:"column:user_id;primaryKey" json:"userId"`
	NotificationsEnabled bool        `gorm:"column:notifications_enabled;not null;default:true" json:"notificationsEnabled"`
	PreferredCategories  StringSlice `gorm:"column:preferred_categories;type:text" json:"preferredCategories"`
	QuietHoursStart      string      `gorm:"column:quiet_hours_start;type:varchar(5)" json:"quietHoursStart,omitempty"`
	QuietHoursEnd        string      `gorm:"column:quiet_hours_end;type:varchar(5)" json:"quietHoursEnd,omitempty"`
	QuietHoursTimezone   string      `gorm:"column:quiet_hours_timezone;type:varchar(64)" json:"quietHoursTimezone,omitempty"`
}

func (UserPreferences) TableName() string { return "user_preferences" }

// DltRecord is a quarantined, un-processable bus record.
type DltRecord struct {
	ID               string    `gorm:"primaryKey;type:uuid" json:"id"`
	OriginalTopic    string    `gorm:"column:original_topic;type:varchar(255);index;not null" json:"originalTopic"`
	OriginalPartition int32    `gorm:"column:original_partition;not null" json:"originalPartition"`
	OriginalOffset   int64     `gorm:"column:original_offset;not null" json:"originalOffset"`
	ExceptionMessage string    `gorm:"column:exception_message;type:text;not null" json:"exceptionMessage"`
	Payload          []byte    `gorm:"column:payload;type:bytea;not null" json:"-"`
	FailedAt         time.Time `gorm:"column:failed_at;autoCreateTime" json:"failedAt"`
}

func (DltRecord) TableName() string { return "dlt_records" }

// MessageDeliveryEvent is the bus payload. It is never persisted directly;
// OutboxEvent.Payload holds its JSON encoding.
type MessageDeliveryEvent struct {
	EventID         string    `json:"eventId"`
	BroadcastID     uint64    `json:"broadcastId"`
	UserID          string    `json:"userId"`
	EventType       EventType `json:"eventType"`
	PodID           string    `json:"podId"`
	Timestamp       time.Time `json:"timestamp"`
	Message         *MessageContent `json:"message,omitempty"`
	TransientFailure bool     `json:"transientFailure,omitempty"`
}

// MessageContent is inlined on CREATED events so the dispatcher does not need
// a second round-trip to the store to know what to push.
type MessageContent struct {
	Content    string `json:"content"`
	SenderName string `json:"senderName"`
	Priority   string `json:"priority"`
	Category   string `json:"category"`
}
