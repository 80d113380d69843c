package models

import "time"

type Room struct {
	ID        uint   `gorm:"primaryKey"`
	RoomID    string `gorm:"uniqueIndex;size:64;not null"`
	CreatedAt time.Time
	ExpiresAt time.Time `gorm:"index;not null"`
}

// Expired reports whether the room is past its TTL at now.
func (r Room) Expired(now time.Time) bool { return !now.Before(r.ExpiresAt) }

// Message holds ciphertext only; the relay never sees plaintext.
type Message struct {
	ID         uint      `gorm:"primaryKey"`
	RoomID     string    `gorm:"index:idx_msg_room_created,priority:1;size:64;not null"`
	AnonID     string    `gorm:"size:64;not null"`
	Username   string    `gorm:"size:64;not null"`
	Ciphertext string    `gorm:"type:text;not null"`
	IV         string    `gorm:"size:64;not null"`
	CreatedAt  time.Time `gorm:"index:idx_msg_room_created,priority:2"`
}
