package models

import "fmt"

// ChannelStatus is the declared target status of a channel.
type ChannelStatus string

// Channel lifecycle statuses.
const (
	StatusStopped    ChannelStatus = "STOPPED"
	StatusRunning    ChannelStatus = "RUNNING"
	StatusError      ChannelStatus = "ERROR"
	StatusRestarting ChannelStatus = "RESTARTING"
)

// Valid reports whether the status is one of the known values.
func (s ChannelStatus) Valid() bool {
	switch s {
	case StatusStopped, StatusRunning, StatusError, StatusRestarting:
		return true
	}
	return false
}

// Channel is a declared, persistently configured long-running stream job.
// Status and PID are mutated together so a reader never observes
// RUNNING with a null pid.
type Channel struct {
	BaseModel
	Name         string        `gorm:"not null" json:"name"`
	InputURL     string        `gorm:"not null" json:"input_url"`
	Status       ChannelStatus `gorm:"type:varchar(16);not null;default:'STOPPED';index" json:"status"`
	AutoRestart  bool          `gorm:"not null;default:false" json:"auto_restart"`
	PID          *int          `gorm:"column:pid;index" json:"pid"`
	FFmpegParams EncoderParams `gorm:"type:json;serializer:json" json:"ffmpeg_params"`
	Outputs      OutputList    `gorm:"type:json;serializer:json" json:"outputs"`

	Logs []ChannelLog `gorm:"foreignKey:ChannelID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName returns the database table name.
func (Channel) TableName() string {
	return "channels"
}

// Validate checks the channel for required fields and a valid status.
func (c *Channel) Validate() error {
	if c.Name == "" {
		return ErrNameRequired
	}
	if c.InputURL == "" {
		return ErrInputURLRequired
	}
	if c.Status != "" && !c.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, c.Status)
	}
	if err := c.Outputs.Validate(); err != nil {
		return err
	}
	return nil
}

// IsRunning reports whether the declared status is RUNNING.
func (c *Channel) IsRunning() bool {
	return c.Status == StatusRunning
}
