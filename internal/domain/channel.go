package domain

import "context"

// Channel is a chat platform front end (Discord, Telegram).
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}
