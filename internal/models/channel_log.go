package models

import "time"

// LogLevel is the severity of a channel log entry.
type LogLevel string

// Channel log levels.
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Valid reports whether the level is one of the known values.
func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// ChannelLog is an append-only per-channel log record written by the
// supervisor's log-event subscriber. Subject to bounded per-channel
// retention.
type ChannelLog struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	ChannelID ULID      `gorm:"type:varchar(26);not null;index:idx_channel_logs_channel_created,priority:1" json:"channel_id"`
	Level     LogLevel  `gorm:"type:varchar(8);not null;index" json:"level"`
	Message   string    `gorm:"not null" json:"message"`
	CreatedAt time.Time `gorm:"index:idx_channel_logs_channel_created,priority:2" json:"created_at"`
}

// TableName returns the database table name.
func (ChannelLog) TableName() string {
	return "channel_logs"
}
